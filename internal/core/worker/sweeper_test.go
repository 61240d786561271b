package worker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/vietddude/bridge/internal/bridge"
	"github.com/vietddude/bridge/internal/consensus"
	"github.com/vietddude/bridge/internal/core/domain"
	"github.com/vietddude/bridge/internal/infra/chain"
	"github.com/vietddude/bridge/internal/infra/storage/memory"
)

type noopConnector struct{ chainID domain.ChainID }

func (c *noopConnector) GetChainID() domain.ChainID    { return c.chainID }
func (c *noopConnector) GetKind() domain.ChainKind     { return domain.ChainKindEVM }
func (c *noopConnector) GetFormat() domain.ChainFormat { return domain.FormatEVM }
func (c *noopConnector) SubmitMint(ctx context.Context, i *chain.MintInstruction) (string, error) {
	return "0x0", nil
}
func (c *noopConnector) SubmitUnlock(ctx context.Context, i *chain.UnlockInstruction) (string, error) {
	return "0x0", nil
}
func (c *noopConnector) GetChainHead(ctx context.Context) (domain.ChainHead, error) {
	return domain.ChainHead{}, nil
}
func (c *noopConnector) Health(ctx context.Context) error { return nil }

type emptyRegistry struct{}

func (emptyRegistry) ListActiveValidators(ctx context.Context) ([]domain.Validator, error) {
	return nil, nil
}

func newSweeperFixture(t *testing.T, collect, grace time.Duration) (*Sweeper, *bridge.Manager, *memory.Store) {
	t.Helper()

	store := memory.NewStore()
	ctx := context.Background()
	if err := store.Register(ctx, &domain.AssetMetadata{
		AssetID: "uatom", Name: "Atom", Symbol: "ATOM", Decimals: 6, NativeChain: "cosmoshub-4",
	}); err != nil {
		t.Fatalf("register asset: %v", err)
	}

	connectors := chain.NewRegistry()
	connectors.Register(&noopConnector{chainID: "eth-mainnet"})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := consensus.NewEngine(consensus.NewStaticKeyProvider())
	mgr := bridge.NewManager(bridge.Config{Threshold: 2, GraceWindow: grace},
		store.Transactions(), store.Escrow(), store.Assets(),
		engine, emptyRegistry{}, connectors, nil, nil, logger)

	sw := NewSweeper(store.Transactions(), mgr, nil, time.Second, collect, grace, logger)
	return sw, mgr, store
}

func lockTransfer(t *testing.T, mgr *bridge.Manager, idem string) *domain.BridgeTransaction {
	t.Helper()
	tx, err := mgr.Lock(context.Background(), &bridge.TransferRequest{
		AssetID:        "uatom",
		Amount:         1_000,
		SourceChain:    "cosmoshub-4",
		DestChain:      "eth-mainnet",
		SourceAddr:     "cosmos1sender",
		DestAddr:       "0xrecipient",
		IdempotencyKey: idem,
	})
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	return tx
}

func TestSweepExpiresStalledCollection(t *testing.T) {
	ctx := context.Background()
	sw, mgr, store := newSweeperFixture(t, 0, time.Hour)

	tx := lockTransfer(t, mgr, "idem-1")
	sw.Sweep(ctx)

	got, _ := store.Get(ctx, tx.ID)
	if got.Status != domain.TxStatusTimedOut {
		t.Fatalf("expected timed_out, got %s", got.Status)
	}
	// Inside the grace window nothing is refunded yet.
	balance, _ := store.Balance(ctx, "uatom")
	if balance != 1_000 {
		t.Fatalf("escrow must stay during grace window, got %d", balance)
	}
}

func TestSweepRefundsAfterGraceWindow(t *testing.T) {
	ctx := context.Background()
	sw, mgr, store := newSweeperFixture(t, 0, 0)

	tx := lockTransfer(t, mgr, "idem-1")
	sw.Sweep(ctx) // phase 1: collecting -> timed_out

	// UpdatedAt is second-granular; step past the zero grace window.
	time.Sleep(1100 * time.Millisecond)
	sw.Sweep(ctx) // phase 2: timed_out -> refunded

	got, _ := store.Get(ctx, tx.ID)
	if got.Status != domain.TxStatusRefunded {
		t.Fatalf("expected refunded, got %s", got.Status)
	}
	balance, _ := store.Balance(ctx, "uatom")
	if balance != 0 {
		t.Fatalf("expected escrow returned, got %d", balance)
	}
}

func TestSweepSkipsFreshCollection(t *testing.T) {
	ctx := context.Background()
	sw, mgr, store := newSweeperFixture(t, time.Hour, time.Hour)

	tx := lockTransfer(t, mgr, "idem-1")
	sw.Sweep(ctx)

	got, _ := store.Get(ctx, tx.ID)
	if got.Status != domain.TxStatusCollecting {
		t.Fatalf("fresh transfer must keep collecting, got %s", got.Status)
	}
}
