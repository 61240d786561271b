package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/vietddude/bridge/internal/core/domain"
)

// MintInstruction tells a destination chain to mint wrapped tokens. The
// signatures authorize the exact payload hash the validators signed.
type MintInstruction struct {
	TransferID  string                      `json:"transfer_id"`
	AssetID     string                      `json:"asset_id"`
	Amount      uint64                      `json:"amount"`
	Recipient   string                      `json:"recipient"`
	PayloadHash []byte                      `json:"payload_hash"`
	Signatures  []domain.ValidatorSignature `json:"signatures"`
}

// UnlockInstruction tells the native chain to release escrowed tokens.
type UnlockInstruction struct {
	TransferID  string                      `json:"transfer_id"`
	AssetID     string                      `json:"asset_id"`
	Amount      uint64                      `json:"amount"`
	Recipient   string                      `json:"recipient"`
	PayloadHash []byte                      `json:"payload_hash"`
	Signatures  []domain.ValidatorSignature `json:"signatures"`
}

// Connector is the execution boundary to one destination chain. The bridge
// core never talks to a chain directly; it hands fully signed instructions
// to a connector and records the returned transaction hash.
type Connector interface {
	GetChainID() domain.ChainID
	GetKind() domain.ChainKind
	GetFormat() domain.ChainFormat

	// SubmitMint delivers a mint instruction and returns the chain tx hash.
	SubmitMint(ctx context.Context, instr *MintInstruction) (string, error)

	// SubmitUnlock delivers an unlock instruction and returns the chain tx hash.
	SubmitUnlock(ctx context.Context, instr *UnlockInstruction) (string, error)

	// GetChainHead returns the chain tip, used for packet timeouts.
	GetChainHead(ctx context.Context) (domain.ChainHead, error)

	// Health checks connector reachability.
	Health(ctx context.Context) error
}

// Registry resolves connectors by chain id.
type Registry struct {
	mu         sync.RWMutex
	connectors map[domain.ChainID]Connector
}

func NewRegistry() *Registry {
	return &Registry{connectors: make(map[domain.ChainID]Connector)}
}

// Register installs a connector, replacing any existing one for the chain.
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.GetChainID()] = c
}

// Get resolves the connector for a chain.
func (r *Registry) Get(chainID domain.ChainID) (Connector, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[chainID]
	if !ok {
		return nil, fmt.Errorf("%w: no connector for chain %s", domain.ErrNotFound, chainID)
	}
	return c, nil
}

// List returns all registered connectors.
func (r *Registry) List() []Connector {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		out = append(out, c)
	}
	return out
}
