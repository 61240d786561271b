// Package governor implements the emergency halt switch. Halting and
// resuming are governance actions in their own right: each requires a
// supermajority of the active validator set over a nonced proposal digest,
// so signatures gathered for one transition can never replay into another.
package governor

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/bridge/internal/consensus"
	"github.com/vietddude/bridge/internal/core/domain"
	"github.com/vietddude/bridge/internal/infra/storage"
	"github.com/vietddude/bridge/internal/metrics"
)

// Hook runs after a governor transition commits. Hooks must be idempotent;
// a failed hook logs but does not roll the transition back.
type Hook func(ctx context.Context) error

// Governor holds the bridge-wide halt flag.
type Governor struct {
	engine   *consensus.Engine
	registry consensus.ValidatorRegistry
	audit    storage.AuditRepository
	logger   *slog.Logger

	mu         sync.Mutex
	halted     bool
	usedNonces map[uint64]struct{}

	onHalt   []Hook
	onResume []Hook
}

func New(
	engine *consensus.Engine,
	registry consensus.ValidatorRegistry,
	audit storage.AuditRepository,
	logger *slog.Logger,
) *Governor {
	return &Governor{
		engine:     engine,
		registry:   registry,
		audit:      audit,
		logger:     logger.With("component", "governor"),
		usedNonces: make(map[uint64]struct{}),
	}
}

// OnHalt registers a hook run after a halt commits.
func (g *Governor) OnHalt(h Hook) { g.onHalt = append(g.onHalt, h) }

// OnResume registers a hook run after a resume commits.
func (g *Governor) OnResume(h Hook) { g.onResume = append(g.onResume, h) }

// IsHalted reports the current halt state.
func (g *Governor) IsHalted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.halted
}

// LoadHistory replays the audit log: the last recorded action determines
// the halt state across restarts, and every recorded nonce stays burned.
func (g *Governor) LoadHistory(ctx context.Context) error {
	records, err := g.audit.List(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, rec := range records {
		g.usedNonces[rec.Nonce] = struct{}{}
		g.halted = rec.Action == domain.ActionHalt
	}
	if g.halted {
		metrics.HaltState.Set(1)
	} else {
		metrics.HaltState.Set(0)
	}
	return nil
}

// ProposalDigest is the canonical digest validators sign to authorize a
// governor action. The nonce makes every proposal single-use.
func ProposalDigest(action domain.GovernorAction, nonce uint64) []byte {
	h := sha256.New()
	h.Write([]byte("bridge-governor"))
	h.Write([]byte(action))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	h.Write(buf[:])
	return h.Sum(nil)
}

// supermajority is the smallest count strictly above two thirds rounding
// up: ceil(2n/3).
func supermajority(n int) int {
	return (2*n + 2) / 3
}

// Halt stops the bridge. Requires ceil(2n/3) valid signatures over the
// proposal digest for this nonce. Halting an already halted bridge fails
// with ErrStateConflict.
func (g *Governor) Halt(ctx context.Context, nonce uint64, sigs []domain.ValidatorSignature) error {
	return g.transition(ctx, domain.ActionHalt, nonce, sigs)
}

// Resume restarts the bridge with the same supermajority rule.
func (g *Governor) Resume(ctx context.Context, nonce uint64, sigs []domain.ValidatorSignature) error {
	return g.transition(ctx, domain.ActionResume, nonce, sigs)
}

func (g *Governor) transition(ctx context.Context, action domain.GovernorAction, nonce uint64, sigs []domain.ValidatorSignature) error {
	active, err := g.registry.ListActiveValidators(ctx)
	if err != nil {
		return err
	}
	if len(active) == 0 {
		return fmt.Errorf("%w: no active validators", domain.ErrValidation)
	}
	needed := supermajority(len(active))

	digest := ProposalDigest(action, nonce)
	valid, err := g.engine.VerifyThresholdDigest(digest, sigs, active, needed)
	if err != nil {
		return fmt.Errorf("governor %s refused (%d of %d): %w", action, valid, needed, err)
	}

	validatorIDs := make([]string, 0, len(active))
	for _, v := range active {
		validatorIDs = append(validatorIDs, v.ID)
	}
	rec := &domain.AuditRecord{
		ID:         uuid.NewString(),
		Action:     action,
		Nonce:      nonce,
		Validators: validatorIDs,
		Signatures: sigs,
		Timestamp:  time.Now().Unix(),
	}

	g.mu.Lock()
	if _, used := g.usedNonces[nonce]; used {
		g.mu.Unlock()
		return fmt.Errorf("%w: proposal nonce %d already used", domain.ErrReplay, nonce)
	}
	wantHalted := action == domain.ActionHalt
	if g.halted == wantHalted {
		g.mu.Unlock()
		return fmt.Errorf("%w: bridge is already %s", domain.ErrStateConflict, stateName(g.halted))
	}
	// The transition is only real once the record is durable: LoadHistory
	// rebuilds halt state from the audit log alone. Appending under the lock
	// keeps the log ordered with the in-memory flips.
	if err := g.audit.Append(ctx, rec); err != nil {
		g.mu.Unlock()
		return fmt.Errorf("%w: audit append for %s: %v", domain.ErrPersistence, action, err)
	}
	g.usedNonces[nonce] = struct{}{}
	g.halted = wantHalted
	g.mu.Unlock()

	if wantHalted {
		metrics.HaltState.Set(1)
	} else {
		metrics.HaltState.Set(0)
	}
	g.logger.Warn("governor transition",
		"action", string(action), "nonce", nonce, "signatures", valid, "needed", needed)

	hooks := g.onResume
	if wantHalted {
		hooks = g.onHalt
	}
	for _, h := range hooks {
		if err := h(ctx); err != nil {
			g.logger.Error("governor hook failed", "action", string(action), "error", err)
		}
	}
	return nil
}

func stateName(halted bool) string {
	if halted {
		return "halted"
	}
	return "running"
}
