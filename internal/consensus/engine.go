package consensus

import (
	"bytes"
	"context"
	"fmt"

	"github.com/vietddude/bridge/internal/core/domain"
)

// ValidatorRegistry lists the currently active validator set. Implemented by
// the control wiring from config; the engine never caches the set so that
// rotation takes effect on the next call.
type ValidatorRegistry interface {
	ListActiveValidators(ctx context.Context) ([]domain.Validator, error)
}

// Engine produces and verifies threshold signatures over canonical
// cross-chain payloads. Verification failures are per-signature and never
// fatal to a batch; only ending below threshold is an error.
type Engine struct {
	keys KeyProvider
}

func NewEngine(keys KeyProvider) *Engine {
	return &Engine{keys: keys}
}

// Sign encodes the payload for the destination chain format and signs its
// digest with the validator's active key.
func (e *Engine) Sign(
	payload CanonicalPayload,
	format domain.ChainFormat,
	validatorID string,
) (domain.ValidatorSignature, error) {
	digest, err := payload.Hash(format)
	if err != nil {
		return domain.ValidatorSignature{}, err
	}
	return e.SignDigest(digest, validatorID)
}

// SignDigest signs a precomputed canonical digest.
func (e *Engine) SignDigest(
	digest []byte,
	validatorID string,
) (domain.ValidatorSignature, error) {
	priv, tag, err := e.keys.ActiveKey(validatorID)
	if err != nil {
		return domain.ValidatorSignature{}, err
	}
	scheme, err := SchemeFor(tag)
	if err != nil {
		return domain.ValidatorSignature{}, err
	}
	sig := scheme.Sign(priv, digest, nil)
	return domain.ValidatorSignature{
		ValidatorID: validatorID,
		Algorithm:   tag,
		Signature:   sig,
		PayloadHash: digest,
	}, nil
}

// VerifySingle recomputes the canonical digest and checks one signature
// against the given public key. Fails closed on any mismatch.
func (e *Engine) VerifySingle(
	payload CanonicalPayload,
	format domain.ChainFormat,
	sig domain.ValidatorSignature,
	pubkey []byte,
) error {
	digest, err := payload.Hash(format)
	if err != nil {
		return err
	}
	return e.VerifyDigest(digest, sig, pubkey)
}

// VerifyDigest checks one signature against a precomputed digest.
func (e *Engine) VerifyDigest(
	digest []byte,
	sig domain.ValidatorSignature,
	pubkey []byte,
) error {
	if !bytes.Equal(digest, sig.PayloadHash) {
		return fmt.Errorf("%w: payload hash mismatch for validator %s",
			domain.ErrSignature, sig.ValidatorID)
	}
	scheme, err := SchemeFor(sig.Algorithm)
	if err != nil {
		return err
	}
	pub, err := scheme.UnmarshalBinaryPublicKey(pubkey)
	if err != nil {
		return fmt.Errorf("%w: invalid public key for validator %s: %v",
			domain.ErrSignature, sig.ValidatorID, err)
	}
	if !scheme.Verify(pub, digest, sig.Signature, nil) {
		return fmt.Errorf("%w: verification failed for validator %s",
			domain.ErrSignature, sig.ValidatorID)
	}
	return nil
}

// VerifyThreshold evaluates threshold consensus over a signature set:
// signatures are deduplicated by validator id (first occurrence wins),
// signatures from non-active validators, unknown algorithms, or with a
// mismatched payload hash are discarded, and the remainder are verified.
// Returns the count of valid signatures; the call succeeds iff that count
// reaches the threshold.
func (e *Engine) VerifyThreshold(
	payload CanonicalPayload,
	format domain.ChainFormat,
	sigs []domain.ValidatorSignature,
	active []domain.Validator,
	threshold int,
) (int, error) {
	digest, err := payload.Hash(format)
	if err != nil {
		return 0, err
	}
	return e.VerifyThresholdDigest(digest, sigs, active, threshold)
}

// VerifyThresholdDigest is VerifyThreshold over a precomputed digest.
func (e *Engine) VerifyThresholdDigest(
	digest []byte,
	sigs []domain.ValidatorSignature,
	active []domain.Validator,
	threshold int,
) (int, error) {
	if threshold <= 0 {
		return 0, fmt.Errorf("%w: threshold must be positive", domain.ErrValidation)
	}
	if len(sigs) == 0 {
		return 0, fmt.Errorf("%w: empty signature set (0 of %d)",
			domain.ErrInsufficientSignatures, threshold)
	}

	pubkeys := make(map[string][]byte, len(active))
	for _, v := range active {
		pubkeys[v.ID] = v.PubKey
	}

	seen := make(map[string]struct{}, len(sigs))
	valid := 0
	for _, sig := range sigs {
		if _, dup := seen[sig.ValidatorID]; dup {
			continue // second signature from the same validator is ignored
		}
		seen[sig.ValidatorID] = struct{}{}
		pub, activeValidator := pubkeys[sig.ValidatorID]
		if !activeValidator {
			continue
		}
		if err := e.VerifyDigest(digest, sig, pub); err != nil {
			continue
		}
		valid++
	}

	if valid < threshold {
		return valid, fmt.Errorf("%w: %d of %d",
			domain.ErrInsufficientSignatures, valid, threshold)
	}
	return valid, nil
}
