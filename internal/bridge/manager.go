// Package bridge implements the asset transfer flows: lock and mint on the
// way out, burn and unlock on the way back, with refunds for transfers that
// never collect enough signatures.
//
// Exactly-once execution of the irreversible side effects (mint, unlock)
// rests on conditional status transitions: whichever caller wins the
// signed -> completed update is the only one that reaches the connector.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/bridge/internal/consensus"
	"github.com/vietddude/bridge/internal/core/domain"
	"github.com/vietddude/bridge/internal/infra/chain"
	"github.com/vietddude/bridge/internal/infra/storage"
	"github.com/vietddude/bridge/internal/metrics"
)

// HaltChecker reports whether the emergency governor has halted the bridge.
type HaltChecker interface {
	IsHalted() bool
}

// IdempotencyCache is the optional fast-path replay guard ahead of the
// transaction store. Storage stays authoritative; a reservation taken for a
// transfer that never persists must be released so a retry can go through.
type IdempotencyCache interface {
	ReserveIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseIdempotencyKey(ctx context.Context, key string) error
}

// Config holds the manager's transfer parameters.
type Config struct {
	// Threshold is the number of distinct valid signatures that authorize a
	// transfer.
	Threshold int

	// FeeBps is the bridge fee in basis points, deducted from the amount
	// delivered on the destination side.
	FeeBps uint64

	// HaltBlocksCollection, when set, also rejects submit-signature calls
	// while halted instead of only new lock/burn operations.
	HaltBlocksCollection bool

	// GraceWindow bounds how far back a resume re-activates timed-out
	// transfers.
	GraceWindow time.Duration
}

// Manager drives bridge transfers end to end.
type Manager struct {
	cfg        Config
	txs        storage.TransactionRepository
	escrow     storage.EscrowRepository
	assets     storage.AssetRepository
	engine     *consensus.Engine
	registry   consensus.ValidatorRegistry
	connectors *chain.Registry
	halt       HaltChecker
	cache      IdempotencyCache // nil disables the fast path
	logger     *slog.Logger
}

func NewManager(
	cfg Config,
	txs storage.TransactionRepository,
	escrow storage.EscrowRepository,
	assets storage.AssetRepository,
	engine *consensus.Engine,
	registry consensus.ValidatorRegistry,
	connectors *chain.Registry,
	halt HaltChecker,
	cache IdempotencyCache,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		cfg:        cfg,
		txs:        txs,
		escrow:     escrow,
		assets:     assets,
		engine:     engine,
		registry:   registry,
		connectors: connectors,
		halt:       halt,
		cache:      cache,
		logger:     logger.With("component", "bridge"),
	}
}

// TransferRequest describes a lock or burn initiation.
type TransferRequest struct {
	AssetID        string
	Amount         uint64
	SourceChain    domain.ChainID
	DestChain      domain.ChainID
	SourceAddr     string
	DestAddr       string
	IdempotencyKey string
}

func (m *Manager) validate(req *TransferRequest) error {
	switch {
	case req.Amount == 0:
		return fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	case req.AssetID == "":
		return fmt.Errorf("%w: asset id is required", domain.ErrValidation)
	case req.SourceChain == req.DestChain:
		return fmt.Errorf("%w: source and destination chain must differ", domain.ErrValidation)
	case req.SourceAddr == "" || req.DestAddr == "":
		return fmt.Errorf("%w: source and destination address are required", domain.ErrValidation)
	case req.IdempotencyKey == "":
		return fmt.Errorf("%w: idempotency key is required", domain.ErrValidation)
	}
	return nil
}

// fee computes the bridge fee. The fee stays on the source side; the
// destination receives amount minus fee.
func (m *Manager) fee(amount uint64) uint64 {
	return amount * m.cfg.FeeBps / 10_000
}

// Lock starts an outbound transfer: escrow the asset on the native side and
// open signature collection for the mint. Duplicate idempotency keys return
// ErrReplay without a second escrow credit.
func (m *Manager) Lock(ctx context.Context, req *TransferRequest) (*domain.BridgeTransaction, error) {
	return m.initiate(ctx, req, domain.DirectionLock)
}

// Burn starts an inbound transfer: the wrapped tokens were burned on the
// remote side, signature collection authorizes the unlock of native escrow.
func (m *Manager) Burn(ctx context.Context, req *TransferRequest) (*domain.BridgeTransaction, error) {
	return m.initiate(ctx, req, domain.DirectionBurn)
}

func (m *Manager) initiate(ctx context.Context, req *TransferRequest, dir domain.TransferDirection) (*domain.BridgeTransaction, error) {
	if m.halt != nil && m.halt.IsHalted() {
		return nil, fmt.Errorf("%w: new transfers are rejected", domain.ErrHalted)
	}
	if err := m.validate(req); err != nil {
		return nil, err
	}
	if _, err := m.assets.Get(ctx, req.AssetID); err != nil {
		return nil, err
	}
	// The destination must be reachable before funds are committed.
	if _, err := m.connectors.Get(req.DestChain); err != nil {
		return nil, err
	}

	reserved := false
	if m.cache != nil {
		ok, err := m.cache.ReserveIdempotencyKey(ctx, req.IdempotencyKey, 24*time.Hour)
		if err != nil {
			m.logger.Warn("idempotency cache unavailable", "error", err)
		} else if !ok {
			return nil, fmt.Errorf("%w: idempotency key %s", domain.ErrReplay, req.IdempotencyKey)
		} else {
			reserved = true
		}
	}
	// A reservation taken for a transfer that never commits would lock the
	// key out for its whole TTL; release it on every failure path.
	fail := func(err error) (*domain.BridgeTransaction, error) {
		if reserved {
			if rerr := m.cache.ReleaseIdempotencyKey(ctx, req.IdempotencyKey); rerr != nil {
				m.logger.Warn("failed to release idempotency key",
					"key", req.IdempotencyKey, "error", rerr)
			}
		}
		return nil, err
	}

	now := time.Now()
	tx := &domain.BridgeTransaction{
		ID:             uuid.NewString(),
		AssetID:        req.AssetID,
		Amount:         req.Amount,
		FeeAmount:      m.fee(req.Amount),
		Direction:      dir,
		SourceChain:    req.SourceChain,
		DestChain:      req.DestChain,
		SourceAddr:     req.SourceAddr,
		DestAddr:       req.DestAddr,
		Status:         domain.TxStatusInitiated,
		IdempotencyKey: req.IdempotencyKey,
		Nonce:          uint64(now.UnixNano()),
		CreatedAt:      now.Unix(),
		UpdatedAt:      now.Unix(),
	}
	if tx.FeeAmount >= tx.Amount {
		return fail(fmt.Errorf("%w: amount %d does not cover the fee %d",
			domain.ErrValidation, tx.Amount, tx.FeeAmount))
	}

	if err := m.txs.Create(ctx, tx); err != nil {
		return fail(err)
	}

	if dir == domain.DirectionLock {
		if err := m.escrow.Credit(ctx, tx.AssetID, tx.Amount); err != nil {
			return fail(err)
		}
		if err := m.txs.UpdateStatusIf(ctx, tx.ID, domain.TxStatusInitiated, domain.TxStatusLocked); err != nil {
			return fail(err)
		}
		tx.Status = domain.TxStatusLocked
		m.updateEscrowMetrics(ctx, tx.AssetID)
		if err := m.txs.UpdateStatusIf(ctx, tx.ID, domain.TxStatusLocked, domain.TxStatusCollecting); err != nil {
			return fail(err)
		}
	} else {
		if err := m.txs.UpdateStatusIf(ctx, tx.ID, domain.TxStatusInitiated, domain.TxStatusCollecting); err != nil {
			return fail(err)
		}
	}
	tx.Status = domain.TxStatusCollecting

	metrics.TransfersTotal.WithLabelValues(string(dir), string(tx.Status)).Inc()
	m.logger.Info("transfer initiated",
		"tx_id", tx.ID, "direction", string(dir), "asset", tx.AssetID,
		"amount", tx.Amount, "fee", tx.FeeAmount,
		"source_chain", string(tx.SourceChain), "dest_chain", string(tx.DestChain))
	return tx, nil
}

// Payload returns the canonical payload a validator signs for a transfer,
// together with the destination chain's hash format. The amount is net of
// the fee; for lock transfers the asset is the wrapped denomination.
func (m *Manager) Payload(tx *domain.BridgeTransaction) (consensus.CanonicalPayload, domain.ChainFormat, error) {
	conn, err := m.connectors.Get(tx.DestChain)
	if err != nil {
		return consensus.CanonicalPayload{}, "", err
	}

	assetID := tx.AssetID
	if tx.Direction == domain.DirectionLock {
		assetID = domain.WrappedAssetID(tx.AssetID, tx.DestChain)
	}
	return consensus.CanonicalPayload{
		SourceChain: tx.SourceChain,
		DestChain:   tx.DestChain,
		AssetID:     assetID,
		Amount:      tx.Amount - tx.FeeAmount,
		Nonce:       tx.Nonce,
		Recipient:   tx.DestAddr,
	}, conn.GetFormat(), nil
}

// SubmitSignature records one validator's signature on a collecting
// transfer. The first submission that carries the set past the threshold
// wins the signed transition and executes the transfer; every later
// submission observes the conflict and returns without side effects.
func (m *Manager) SubmitSignature(ctx context.Context, txID string, sig domain.ValidatorSignature) (*domain.BridgeTransaction, error) {
	if m.halt != nil && m.halt.IsHalted() && m.cfg.HaltBlocksCollection {
		return nil, fmt.Errorf("%w: signature collection is suspended", domain.ErrHalted)
	}

	tx, err := m.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	switch tx.Status {
	case domain.TxStatusCollecting:
	case domain.TxStatusSigned, domain.TxStatusCompleted:
		return nil, fmt.Errorf("%w: transfer %s", domain.ErrAlreadyFinalized, txID)
	default:
		return nil, fmt.Errorf("%w: transfer %s is %s, not collecting",
			domain.ErrStateConflict, txID, tx.Status)
	}

	payload, format, err := m.Payload(tx)
	if err != nil {
		return nil, err
	}
	active, err := m.registry.ListActiveValidators(ctx)
	if err != nil {
		return nil, err
	}
	var pubkey []byte
	for _, v := range active {
		if v.ID == sig.ValidatorID {
			pubkey = v.PubKey
			break
		}
	}
	if pubkey == nil {
		metrics.SignaturesRejected.WithLabelValues("unknown_validator").Inc()
		return nil, fmt.Errorf("%w: validator %s is not in the active set",
			domain.ErrSignature, sig.ValidatorID)
	}
	if err := m.engine.VerifySingle(payload, format, sig, pubkey); err != nil {
		metrics.SignaturesRejected.WithLabelValues("invalid").Inc()
		return nil, err
	}

	added, err := m.txs.AppendSignature(ctx, txID, sig)
	if err != nil {
		return nil, err
	}
	if !added {
		// Same validator signing twice is ignored, not an error.
		return m.txs.Get(ctx, txID)
	}
	metrics.SignaturesAccepted.WithLabelValues(string(sig.Algorithm)).Inc()

	tx, err = m.txs.Get(ctx, txID)
	if err != nil {
		return nil, err
	}
	digest, err := payload.Hash(format)
	if err != nil {
		return nil, err
	}
	valid, _ := m.engine.VerifyThresholdDigest(digest, tx.Signatures, active, m.cfg.Threshold)
	if valid < m.cfg.Threshold {
		return tx, nil
	}

	err = m.txs.UpdateStatusIf(ctx, txID, domain.TxStatusCollecting, domain.TxStatusSigned)
	if errors.Is(err, domain.ErrStateConflict) {
		// Another submission won the transition; it executes the transfer.
		return m.txs.Get(ctx, txID)
	}
	if err != nil {
		return nil, err
	}
	m.logger.Info("threshold reached", "tx_id", txID, "signatures", valid)

	if err := m.Execute(ctx, txID); err != nil {
		return nil, err
	}
	return m.txs.Get(ctx, txID)
}

// Execute performs the irreversible side of a signed transfer: mint for
// lock transfers, escrow debit plus unlock for burn transfers. The
// signed -> completed transition happens before the connector call, so a
// concurrent Execute loses the race instead of double-submitting; if the
// connector then fails, the transition is rolled back for a retry.
func (m *Manager) Execute(ctx context.Context, txID string) error {
	tx, err := m.txs.Get(ctx, txID)
	if err != nil {
		return err
	}

	err = m.txs.UpdateStatusIf(ctx, txID, domain.TxStatusSigned, domain.TxStatusCompleted)
	if errors.Is(err, domain.ErrStateConflict) {
		return fmt.Errorf("%w: transfer %s", domain.ErrAlreadyFinalized, txID)
	}
	if err != nil {
		return err
	}

	net := tx.Amount - tx.FeeAmount
	if tx.Direction == domain.DirectionBurn {
		// The unlock pays out of native escrow; insufficiency aborts before
		// any connector call.
		if err := m.escrow.Debit(ctx, tx.AssetID, net); err != nil {
			m.revertToSigned(ctx, txID)
			return err
		}
	}

	hash, err := m.submit(ctx, tx, net)
	if err != nil {
		if tx.Direction == domain.DirectionBurn {
			if cerr := m.escrow.Credit(ctx, tx.AssetID, net); cerr != nil {
				m.logger.Error("escrow restore failed", "tx_id", txID, "error", cerr)
			}
		}
		m.revertToSigned(ctx, txID)
		return err
	}

	if err := m.txs.SetDestTxHash(ctx, txID, hash); err != nil {
		m.logger.Error("failed to record dest tx hash", "tx_id", txID, "error", err)
	}
	if err := m.escrow.AddFee(ctx, tx.AssetID, tx.FeeAmount); err != nil {
		m.logger.Error("failed to record fee", "tx_id", txID, "error", err)
	}
	m.updateEscrowMetrics(ctx, tx.AssetID)

	metrics.TransfersTotal.WithLabelValues(string(tx.Direction), string(domain.TxStatusCompleted)).Inc()
	m.logger.Info("transfer completed",
		"tx_id", txID, "direction", string(tx.Direction), "dest_tx_hash", hash)
	return nil
}

func (m *Manager) submit(ctx context.Context, tx *domain.BridgeTransaction, net uint64) (string, error) {
	conn, err := m.connectors.Get(tx.DestChain)
	if err != nil {
		return "", err
	}
	payload, format, err := m.Payload(tx)
	if err != nil {
		return "", err
	}
	digest, err := payload.Hash(format)
	if err != nil {
		return "", err
	}

	if tx.Direction == domain.DirectionLock {
		metrics.MintInvocations.WithLabelValues(string(tx.DestChain)).Inc()
		return conn.SubmitMint(ctx, &chain.MintInstruction{
			TransferID:  tx.ID,
			AssetID:     domain.WrappedAssetID(tx.AssetID, tx.DestChain),
			Amount:      net,
			Recipient:   tx.DestAddr,
			PayloadHash: digest,
			Signatures:  tx.Signatures,
		})
	}

	metrics.UnlockInvocations.WithLabelValues(string(tx.DestChain)).Inc()
	return conn.SubmitUnlock(ctx, &chain.UnlockInstruction{
		TransferID:  tx.ID,
		AssetID:     tx.AssetID,
		Amount:      net,
		Recipient:   tx.DestAddr,
		PayloadHash: digest,
		Signatures:  tx.Signatures,
	})
}

func (m *Manager) revertToSigned(ctx context.Context, txID string) {
	if err := m.txs.UpdateStatusIf(ctx, txID, domain.TxStatusCompleted, domain.TxStatusSigned); err != nil {
		m.logger.Error("failed to revert transfer for retry", "tx_id", txID, "error", err)
	}
}

// Refund returns escrowed funds of a timed-out lock transfer to the source
// address. The full amount comes back, fee included: a transfer that never
// completed earns no fee. Burn transfers hold no escrow so the status
// transition is the whole refund.
func (m *Manager) Refund(ctx context.Context, txID string) error {
	tx, err := m.txs.Get(ctx, txID)
	if err != nil {
		return err
	}
	if err := m.txs.UpdateStatusIf(ctx, txID, domain.TxStatusTimedOut, domain.TxStatusRefunded); err != nil {
		return err
	}

	if tx.Direction == domain.DirectionLock {
		if err := m.escrow.Debit(ctx, tx.AssetID, tx.Amount); err != nil {
			return err
		}
		m.updateEscrowMetrics(ctx, tx.AssetID)
	}

	metrics.TransfersTotal.WithLabelValues(string(tx.Direction), string(domain.TxStatusRefunded)).Inc()
	m.logger.Info("transfer refunded", "tx_id", txID, "amount", tx.Amount)
	return nil
}

// TimeOut moves a collecting transfer to timed_out. The sweeper calls this
// when the collection window lapses.
func (m *Manager) TimeOut(ctx context.Context, txID string) error {
	tx, err := m.txs.Get(ctx, txID)
	if err != nil {
		return err
	}
	if err := m.txs.UpdateStatusIf(ctx, txID, domain.TxStatusCollecting, domain.TxStatusTimedOut); err != nil {
		return err
	}
	metrics.TransfersTotal.WithLabelValues(string(tx.Direction), string(domain.TxStatusTimedOut)).Inc()
	m.logger.Warn("transfer timed out", "tx_id", txID)
	return nil
}

// ReactivateTimedOut puts timed-out transfers updated within the grace
// window back into collection. Runs when the governor resumes the bridge,
// so transfers that stalled during a halt get a second collection window.
func (m *Manager) ReactivateTimedOut(ctx context.Context) (int, error) {
	txs, err := m.txs.ListByStatus(ctx, domain.TxStatusTimedOut)
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-m.cfg.GraceWindow).Unix()
	reactivated := 0
	for _, tx := range txs {
		if tx.UpdatedAt < cutoff {
			continue
		}
		err := m.txs.UpdateStatusIf(ctx, tx.ID, domain.TxStatusTimedOut, domain.TxStatusCollecting)
		if errors.Is(err, domain.ErrStateConflict) {
			continue
		}
		if err != nil {
			return reactivated, err
		}
		reactivated++
		m.logger.Info("transfer reactivated", "tx_id", tx.ID)
	}
	return reactivated, nil
}

// HaltCollecting marks all collecting transfers halted. Only invoked under
// the strict halt policy.
func (m *Manager) HaltCollecting(ctx context.Context) (int, error) {
	txs, err := m.txs.ListByStatus(ctx, domain.TxStatusCollecting)
	if err != nil {
		return 0, err
	}
	halted := 0
	for _, tx := range txs {
		err := m.txs.UpdateStatusIf(ctx, tx.ID, domain.TxStatusCollecting, domain.TxStatusHalted)
		if errors.Is(err, domain.ErrStateConflict) {
			continue
		}
		if err != nil {
			return halted, err
		}
		halted++
	}
	return halted, nil
}

// ResumeHalted puts halted transfers back into collection.
func (m *Manager) ResumeHalted(ctx context.Context) (int, error) {
	txs, err := m.txs.ListByStatus(ctx, domain.TxStatusHalted)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, tx := range txs {
		err := m.txs.UpdateStatusIf(ctx, tx.ID, domain.TxStatusHalted, domain.TxStatusCollecting)
		if errors.Is(err, domain.ErrStateConflict) {
			continue
		}
		if err != nil {
			return resumed, err
		}
		resumed++
	}
	return resumed, nil
}

func (m *Manager) updateEscrowMetrics(ctx context.Context, assetID string) {
	if balance, err := m.escrow.Balance(ctx, assetID); err == nil {
		metrics.EscrowBalance.WithLabelValues(assetID).Set(float64(balance))
	}
	if total, err := m.escrow.TotalLocked(ctx); err == nil {
		metrics.TVL.Set(float64(total))
	}
}
