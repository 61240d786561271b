// Package worker hosts the background loops of the bridge node.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vietddude/bridge/internal/bridge"
	"github.com/vietddude/bridge/internal/core/domain"
	"github.com/vietddude/bridge/internal/infra/redis"
	"github.com/vietddude/bridge/internal/infra/storage"
)

// Sweeper expires stalled transfers in two phases. Collection that outlives
// the collect window becomes timed_out; timed_out transfers that outlive
// the grace window are refunded. The gap between the phases is what lets a
// governor resume re-activate recent timeouts before money moves back.
type Sweeper struct {
	txs     storage.TransactionRepository
	manager *bridge.Manager
	cache   *redis.Client // optional cross-node sweep lock; nil disables

	interval      time.Duration
	collectWindow time.Duration
	graceWindow   time.Duration

	logger *slog.Logger
}

func NewSweeper(
	txs storage.TransactionRepository,
	manager *bridge.Manager,
	cache *redis.Client,
	interval, collectWindow, graceWindow time.Duration,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		txs:           txs,
		manager:       manager,
		cache:         cache,
		interval:      interval,
		collectWindow: collectWindow,
		graceWindow:   graceWindow,
		logger:        logger.With("component", "sweeper"),
	}
}

// Start runs the sweep loop until the context is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started",
		"interval", s.interval, "collect_window", s.collectWindow, "grace_window", s.graceWindow)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. With a cache configured, only one node holds the
// sweep lock per pass; the others skip silently.
func (s *Sweeper) Sweep(ctx context.Context) {
	if s.cache != nil {
		ok, err := s.cache.AcquireSweepLock(ctx, s.interval)
		if err != nil {
			s.logger.Warn("sweep lock unavailable", "error", err)
			return
		}
		if !ok {
			return
		}
		defer func() {
			if err := s.cache.ReleaseSweepLock(ctx); err != nil {
				s.logger.Warn("sweep lock release failed", "error", err)
			}
		}()
	}

	s.expireCollecting(ctx)
	s.refundExpired(ctx)
}

func (s *Sweeper) expireCollecting(ctx context.Context) {
	cutoff := time.Now().Add(-s.collectWindow).Unix()
	txs, err := s.txs.ListCollectingBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to list stalled transfers", "error", err)
		return
	}

	for _, tx := range txs {
		err := s.manager.TimeOut(ctx, tx.ID)
		if errors.Is(err, domain.ErrStateConflict) {
			continue // finalized between listing and sweep
		}
		if err != nil {
			s.logger.Error("failed to time out transfer", "tx_id", tx.ID, "error", err)
		}
	}
}

func (s *Sweeper) refundExpired(ctx context.Context) {
	txs, err := s.txs.ListByStatus(ctx, domain.TxStatusTimedOut)
	if err != nil {
		s.logger.Error("failed to list timed-out transfers", "error", err)
		return
	}

	cutoff := time.Now().Add(-s.graceWindow).Unix()
	for _, tx := range txs {
		if tx.UpdatedAt > cutoff {
			continue // still inside the grace window
		}
		err := s.manager.Refund(ctx, tx.ID)
		if errors.Is(err, domain.ErrStateConflict) {
			continue
		}
		if err != nil {
			s.logger.Error("failed to refund transfer", "tx_id", tx.ID, "error", err)
		}
	}
}
