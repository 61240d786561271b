package consensus

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/cloudflare/circl/sign"

	"github.com/vietddude/bridge/internal/core/domain"
)

// KeyProvider supplies the active signing key for a validator. Implementations
// support rotation: ActiveKey always returns the current key material.
type KeyProvider interface {
	ActiveKey(validatorID string) (sign.PrivateKey, domain.AlgorithmTag, error)
}

type keyEntry struct {
	priv sign.PrivateKey
	tag  domain.AlgorithmTag
}

// StaticKeyProvider holds signing keys in memory, loaded from config seeds or
// injected by tests. Rotate replaces a validator's key atomically.
type StaticKeyProvider struct {
	mu   sync.RWMutex
	keys map[string]keyEntry
}

func NewStaticKeyProvider() *StaticKeyProvider {
	return &StaticKeyProvider{keys: make(map[string]keyEntry)}
}

// Rotate installs priv as the validator's active key.
func (p *StaticKeyProvider) Rotate(
	validatorID string,
	tag domain.AlgorithmTag,
	priv sign.PrivateKey,
) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[validatorID] = keyEntry{priv: priv, tag: tag}
}

// RotateFromSeed derives and installs a key from a hex seed.
func (p *StaticKeyProvider) RotateFromSeed(
	validatorID string,
	tag domain.AlgorithmTag,
	seedHex string,
) error {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return fmt.Errorf("%w: invalid seed hex for %s: %v", domain.ErrValidation, validatorID, err)
	}
	_, priv, err := DeriveKeyPair(tag, seed)
	if err != nil {
		return err
	}
	p.Rotate(validatorID, tag, priv)
	return nil
}

// ActiveKey returns the validator's current signing key.
func (p *StaticKeyProvider) ActiveKey(
	validatorID string,
) (sign.PrivateKey, domain.AlgorithmTag, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.keys[validatorID]
	if !ok {
		return nil, "", fmt.Errorf("%w: no signing key for validator %s", domain.ErrNotFound, validatorID)
	}
	return e.priv, e.tag, nil
}
