package consensus

import (
	"fmt"

	"github.com/cloudflare/circl/sign"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"

	"github.com/vietddude/bridge/internal/core/domain"
)

// schemes maps algorithm tags to their ML-DSA scheme. New algorithms are
// added here; callers dispatch by tag and never see the concrete scheme.
var schemes = map[domain.AlgorithmTag]sign.Scheme{
	domain.AlgMLDSA44: mldsa44.Scheme(),
	domain.AlgMLDSA65: mldsa65.Scheme(),
	domain.AlgMLDSA87: mldsa87.Scheme(),
}

// SchemeFor resolves the signature scheme for an algorithm tag.
func SchemeFor(tag domain.AlgorithmTag) (sign.Scheme, error) {
	s, ok := schemes[tag]
	if !ok {
		return nil, fmt.Errorf("%w: unknown algorithm %q", domain.ErrSignature, tag)
	}
	return s, nil
}

// DeriveKeyPair deterministically derives a key pair from a seed. Seed length
// must match the scheme's seed size (32 bytes for ML-DSA).
func DeriveKeyPair(tag domain.AlgorithmTag, seed []byte) (sign.PublicKey, sign.PrivateKey, error) {
	s, err := SchemeFor(tag)
	if err != nil {
		return nil, nil, err
	}
	if len(seed) != s.SeedSize() {
		return nil, nil, fmt.Errorf(
			"%w: seed must be %d bytes for %s, got %d",
			domain.ErrValidation, s.SeedSize(), tag, len(seed),
		)
	}
	pub, priv := s.DeriveKey(seed)
	return pub, priv, nil
}

// GenerateKeyPair generates a fresh key pair for the given algorithm.
func GenerateKeyPair(tag domain.AlgorithmTag) (sign.PublicKey, sign.PrivateKey, error) {
	s, err := SchemeFor(tag)
	if err != nil {
		return nil, nil, err
	}
	return s.GenerateKey()
}
