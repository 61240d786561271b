package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/bridge/internal/consensus"
	"github.com/vietddude/bridge/internal/core/domain"
	"github.com/vietddude/bridge/internal/infra/chain"
	"github.com/vietddude/bridge/internal/infra/storage/memory"
)

type staticRegistry struct {
	validators []domain.Validator
}

func (r *staticRegistry) ListActiveValidators(ctx context.Context) ([]domain.Validator, error) {
	return r.validators, nil
}

type staticHalt struct{ halted bool }

func (h *staticHalt) IsHalted() bool { return h.halted }

// mockConnector counts submissions so tests can assert exactly-once
// execution. failNext makes the next submission fail once.
type mockConnector struct {
	chainID  domain.ChainID
	format   domain.ChainFormat
	mints    atomic.Int64
	unlocks  atomic.Int64
	failNext atomic.Bool

	mu       sync.Mutex
	lastMint *chain.MintInstruction
}

func (c *mockConnector) GetChainID() domain.ChainID    { return c.chainID }
func (c *mockConnector) GetKind() domain.ChainKind     { return domain.ChainKindEVM }
func (c *mockConnector) GetFormat() domain.ChainFormat { return c.format }

func (c *mockConnector) SubmitMint(ctx context.Context, instr *chain.MintInstruction) (string, error) {
	if c.failNext.CompareAndSwap(true, false) {
		return "", errors.New("relay unavailable")
	}
	c.mints.Add(1)
	c.mu.Lock()
	c.lastMint = instr
	c.mu.Unlock()
	return "0xmint", nil
}

func (c *mockConnector) SubmitUnlock(ctx context.Context, instr *chain.UnlockInstruction) (string, error) {
	if c.failNext.CompareAndSwap(true, false) {
		return "", errors.New("relay unavailable")
	}
	c.unlocks.Add(1)
	return "0xunlock", nil
}

func (c *mockConnector) GetChainHead(ctx context.Context) (domain.ChainHead, error) {
	return domain.ChainHead{Height: 100, Timestamp: 1_700_000_000}, nil
}

func (c *mockConnector) Health(ctx context.Context) error { return nil }

// mapCache is an in-process IdempotencyCache for asserting reserve and
// release behavior.
type mapCache struct {
	mu       sync.Mutex
	reserved map[string]bool
}

func newMapCache() *mapCache {
	return &mapCache{reserved: make(map[string]bool)}
}

func (c *mapCache) ReserveIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reserved[key] {
		return false, nil
	}
	c.reserved[key] = true
	return true, nil
}

func (c *mapCache) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reserved, key)
	return nil
}

func (c *mapCache) held(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reserved[key]
}

type fixture struct {
	store   *memory.Store
	manager *Manager
	engine  *consensus.Engine
	conn    *mockConnector
	halt    *staticHalt
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	keys := consensus.NewStaticKeyProvider()
	registry := &staticRegistry{}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("val-%d", i)
		pub, priv, err := consensus.GenerateKeyPair(domain.AlgMLDSA44)
		if err != nil {
			t.Fatalf("generate key: %v", err)
		}
		keys.Rotate(id, domain.AlgMLDSA44, priv)
		pubBytes, err := pub.MarshalBinary()
		if err != nil {
			t.Fatalf("marshal public key: %v", err)
		}
		registry.validators = append(registry.validators, domain.Validator{
			ID:        id,
			PubKey:    pubBytes,
			Algorithm: domain.AlgMLDSA44,
		})
	}

	store := memory.NewStore()
	ctx := context.Background()
	if err := store.Register(ctx, &domain.AssetMetadata{
		AssetID:     "uatom",
		Name:        "Atom",
		Symbol:      "ATOM",
		Decimals:    6,
		NativeChain: "cosmoshub-4",
	}); err != nil {
		t.Fatalf("register asset: %v", err)
	}

	conn := &mockConnector{chainID: "eth-mainnet", format: domain.FormatEVM}
	connectors := chain.NewRegistry()
	connectors.Register(conn)

	halt := &staticHalt{}
	engine := consensus.NewEngine(keys)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := NewManager(cfg,
		store.Transactions(), store.Escrow(), store.Assets(),
		engine, registry, connectors, halt, nil, logger)

	return &fixture{store: store, manager: mgr, engine: engine, conn: conn, halt: halt}
}

func lockRequest(idem string) *TransferRequest {
	return &TransferRequest{
		AssetID:        "uatom",
		Amount:         10_000,
		SourceChain:    "cosmoshub-4",
		DestChain:      "eth-mainnet",
		SourceAddr:     "cosmos1sender",
		DestAddr:       "0xrecipient",
		IdempotencyKey: idem,
	}
}

func (f *fixture) sign(t *testing.T, tx *domain.BridgeTransaction, validatorID string) domain.ValidatorSignature {
	t.Helper()
	payload, format, err := f.manager.Payload(tx)
	if err != nil {
		t.Fatalf("payload: %v", err)
	}
	sig, err := f.engine.Sign(payload, format, validatorID)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func TestLockCollectAndMint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Threshold: 2, FeeBps: 30})

	tx, err := f.manager.Lock(ctx, lockRequest("idem-1"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if tx.Status != domain.TxStatusCollecting {
		t.Fatalf("expected signatures_collecting, got %s", tx.Status)
	}
	if tx.FeeAmount != 30 {
		t.Fatalf("expected fee 30, got %d", tx.FeeAmount)
	}
	balance, _ := f.store.Balance(ctx, "uatom")
	if balance != 10_000 {
		t.Fatalf("expected escrow 10000, got %d", balance)
	}

	// One signature is below threshold; nothing executes.
	if _, err := f.manager.SubmitSignature(ctx, tx.ID, f.sign(t, tx, "val-0")); err != nil {
		t.Fatalf("first signature: %v", err)
	}
	if f.conn.mints.Load() != 0 {
		t.Fatal("mint before threshold")
	}

	got, err := f.manager.SubmitSignature(ctx, tx.ID, f.sign(t, tx, "val-1"))
	if err != nil {
		t.Fatalf("second signature: %v", err)
	}
	if got.Status != domain.TxStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if f.conn.mints.Load() != 1 {
		t.Fatalf("expected exactly one mint, got %d", f.conn.mints.Load())
	}

	f.conn.mu.Lock()
	instr := f.conn.lastMint
	f.conn.mu.Unlock()
	if instr.AssetID != "wuatom/eth-mainnet" {
		t.Fatalf("expected wrapped asset id, got %s", instr.AssetID)
	}
	if instr.Amount != 9_970 {
		t.Fatalf("expected net amount 9970, got %d", instr.Amount)
	}
	if got.DestTxHash != "0xmint" {
		t.Fatalf("expected dest tx hash recorded, got %q", got.DestTxHash)
	}
}

func TestLockIdempotencyReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Threshold: 2, FeeBps: 30})

	if _, err := f.manager.Lock(ctx, lockRequest("idem-1")); err != nil {
		t.Fatalf("lock: %v", err)
	}
	_, err := f.manager.Lock(ctx, lockRequest("idem-1"))
	if !errors.Is(err, domain.ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
	// The replay must not double-credit escrow.
	balance, _ := f.store.Balance(ctx, "uatom")
	if balance != 10_000 {
		t.Fatalf("expected escrow 10000, got %d", balance)
	}
}

func TestFailedInitiateReleasesIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Threshold: 2, FeeBps: 10_000})
	cache := newMapCache()
	f.manager.cache = cache

	// 100% fee never covers the amount; the transfer is rejected after the
	// reservation was taken.
	_, err := f.manager.Lock(ctx, lockRequest("idem-1"))
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
	if cache.held("idem-1") {
		t.Fatal("rejected transfer must release its idempotency reservation")
	}

	// The same key retries cleanly once the request is valid.
	f.manager.cfg.FeeBps = 30
	if _, err := f.manager.Lock(ctx, lockRequest("idem-1")); err != nil {
		t.Fatalf("retry after release: %v", err)
	}
	if !cache.held("idem-1") {
		t.Fatal("committed transfer must keep its reservation")
	}
}

func TestStorageReplayReleasesFreshReservation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Threshold: 2, FeeBps: 30})
	if _, err := f.manager.Lock(ctx, lockRequest("idem-1")); err != nil {
		t.Fatalf("lock: %v", err)
	}

	// A cold cache reserves the key, then storage reports the replay; the
	// reservation must not outlive the rejection.
	cache := newMapCache()
	f.manager.cache = cache
	_, err := f.manager.Lock(ctx, lockRequest("idem-1"))
	if !errors.Is(err, domain.ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
	if cache.held("idem-1") {
		t.Fatal("storage replay must release the cache reservation")
	}
}

func TestInvalidSignatureRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Threshold: 2, FeeBps: 0})

	tx, err := f.manager.Lock(ctx, lockRequest("idem-1"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	sig := f.sign(t, tx, "val-0")
	sig.Signature[0] ^= 0xff
	_, err = f.manager.SubmitSignature(ctx, tx.ID, sig)
	if !errors.Is(err, domain.ErrSignature) {
		t.Fatalf("expected ErrSignature, got %v", err)
	}
	got, _ := f.store.Get(ctx, tx.ID)
	if len(got.Signatures) != 0 {
		t.Fatal("rejected signature must not be stored")
	}
}

func TestConcurrentThresholdMintsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Threshold: 2, FeeBps: 30})

	tx, err := f.manager.Lock(ctx, lockRequest("idem-1"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	sigs := []domain.ValidatorSignature{
		f.sign(t, tx, "val-0"),
		f.sign(t, tx, "val-1"),
		f.sign(t, tx, "val-2"),
	}

	var wg sync.WaitGroup
	for _, sig := range sigs {
		wg.Add(1)
		go func(sig domain.ValidatorSignature) {
			defer wg.Done()
			// Late submissions may observe the finalized transfer; that is
			// expected, not a failure.
			_, err := f.manager.SubmitSignature(ctx, tx.ID, sig)
			if err != nil && !errors.Is(err, domain.ErrAlreadyFinalized) {
				t.Errorf("submit signature: %v", err)
			}
		}(sig)
	}
	wg.Wait()

	if f.conn.mints.Load() != 1 {
		t.Fatalf("expected exactly one mint under concurrency, got %d", f.conn.mints.Load())
	}
	got, _ := f.store.Get(ctx, tx.ID)
	if got.Status != domain.TxStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
}

func TestExecuteRetriesAfterConnectorFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Threshold: 2, FeeBps: 0})

	tx, err := f.manager.Lock(ctx, lockRequest("idem-1"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := f.manager.SubmitSignature(ctx, tx.ID, f.sign(t, tx, "val-0")); err != nil {
		t.Fatalf("first signature: %v", err)
	}

	f.conn.failNext.Store(true)
	_, err = f.manager.SubmitSignature(ctx, tx.ID, f.sign(t, tx, "val-1"))
	if err == nil {
		t.Fatal("expected connector failure to surface")
	}
	got, _ := f.store.Get(ctx, tx.ID)
	if got.Status != domain.TxStatusSigned {
		t.Fatalf("failed execute must leave the transfer signed, got %s", got.Status)
	}

	if err := f.manager.Execute(ctx, tx.ID); err != nil {
		t.Fatalf("retry execute: %v", err)
	}
	if f.conn.mints.Load() != 1 {
		t.Fatalf("expected one successful mint, got %d", f.conn.mints.Load())
	}
}

func TestRoundTripLeavesOnlyFees(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Threshold: 2, FeeBps: 30})

	lockTx, err := f.manager.Lock(ctx, lockRequest("idem-lock"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if _, err := f.manager.SubmitSignature(ctx, lockTx.ID, f.sign(t, lockTx, "val-0")); err != nil {
		t.Fatalf("sign lock: %v", err)
	}
	if _, err := f.manager.SubmitSignature(ctx, lockTx.ID, f.sign(t, lockTx, "val-1")); err != nil {
		t.Fatalf("sign lock: %v", err)
	}

	// Return trip: the 9970 wrapped tokens burn on the remote chain and
	// unlock native escrow, minus the return fee of 29.
	f.conn.chainID = "cosmoshub-4" // reuse the mock as the return connector
	f.manager.connectors.Register(f.conn)
	burnTx, err := f.manager.Burn(ctx, &TransferRequest{
		AssetID:        "uatom",
		Amount:         9_970,
		SourceChain:    "eth-mainnet",
		DestChain:      "cosmoshub-4",
		SourceAddr:     "0xrecipient",
		DestAddr:       "cosmos1sender",
		IdempotencyKey: "idem-burn",
	})
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if _, err := f.manager.SubmitSignature(ctx, burnTx.ID, f.sign(t, burnTx, "val-0")); err != nil {
		t.Fatalf("sign burn: %v", err)
	}
	if _, err := f.manager.SubmitSignature(ctx, burnTx.ID, f.sign(t, burnTx, "val-1")); err != nil {
		t.Fatalf("sign burn: %v", err)
	}

	if f.conn.unlocks.Load() != 1 {
		t.Fatalf("expected one unlock, got %d", f.conn.unlocks.Load())
	}

	// 10000 locked, 9941 unlocked; the 59 left behind is the two fees.
	balance, _ := f.store.Balance(ctx, "uatom")
	if balance != 59 {
		t.Fatalf("expected residual escrow 59, got %d", balance)
	}
	fees, _ := f.store.FeeBalance(ctx, "uatom")
	if fees != 59 {
		t.Fatalf("expected accumulated fees 59, got %d", fees)
	}
}

func TestRefundReturnsEscrow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Threshold: 2, FeeBps: 30})

	tx, err := f.manager.Lock(ctx, lockRequest("idem-1"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	if err := f.manager.TimeOut(ctx, tx.ID); err != nil {
		t.Fatalf("time out: %v", err)
	}
	if err := f.manager.Refund(ctx, tx.ID); err != nil {
		t.Fatalf("refund: %v", err)
	}

	balance, _ := f.store.Balance(ctx, "uatom")
	if balance != 0 {
		t.Fatalf("refund must return the full amount, escrow holds %d", balance)
	}
	got, _ := f.store.Get(ctx, tx.ID)
	if got.Status != domain.TxStatusRefunded {
		t.Fatalf("expected refunded, got %s", got.Status)
	}
}

func TestHaltRejectsNewTransfers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Threshold: 2, FeeBps: 0})

	tx, err := f.manager.Lock(ctx, lockRequest("idem-1"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	f.halt.halted = true
	_, err = f.manager.Lock(ctx, lockRequest("idem-2"))
	if !errors.Is(err, domain.ErrHalted) {
		t.Fatalf("expected ErrHalted, got %v", err)
	}

	// Default policy: in-flight collection continues during a halt.
	if _, err := f.manager.SubmitSignature(ctx, tx.ID, f.sign(t, tx, "val-0")); err != nil {
		t.Fatalf("collection during halt: %v", err)
	}
}

func TestHaltBlocksCollectionPolicy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Threshold: 2, FeeBps: 0, HaltBlocksCollection: true})

	tx, err := f.manager.Lock(ctx, lockRequest("idem-1"))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}

	f.halt.halted = true
	_, err = f.manager.SubmitSignature(ctx, tx.ID, f.sign(t, tx, "val-0"))
	if !errors.Is(err, domain.ErrHalted) {
		t.Fatalf("expected ErrHalted under strict policy, got %v", err)
	}
}

func TestBurnUnlockInsufficientEscrow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{Threshold: 2, FeeBps: 0})
	f.conn.chainID = "cosmoshub-4"
	f.manager.connectors.Register(f.conn)

	// No prior lock: escrow is empty, the unlock must fail closed.
	tx, err := f.manager.Burn(ctx, &TransferRequest{
		AssetID:        "uatom",
		Amount:         500,
		SourceChain:    "eth-mainnet",
		DestChain:      "cosmoshub-4",
		SourceAddr:     "0xsender",
		DestAddr:       "cosmos1recipient",
		IdempotencyKey: "idem-1",
	})
	if err != nil {
		t.Fatalf("burn: %v", err)
	}
	if _, err := f.manager.SubmitSignature(ctx, tx.ID, f.sign(t, tx, "val-0")); err != nil {
		t.Fatalf("first signature: %v", err)
	}
	_, err = f.manager.SubmitSignature(ctx, tx.ID, f.sign(t, tx, "val-1"))
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if f.conn.unlocks.Load() != 0 {
		t.Fatal("unlock must not reach the connector on insufficient escrow")
	}
	got, _ := f.store.Get(ctx, tx.ID)
	if got.Status != domain.TxStatusSigned {
		t.Fatalf("expected signed for retry, got %s", got.Status)
	}
}
