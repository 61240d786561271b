package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/vietddude/bridge/internal/core/domain"
)

func newTx(id, idem string, status domain.TxStatus) *domain.BridgeTransaction {
	return &domain.BridgeTransaction{
		ID:             id,
		AssetID:        "uatom",
		Amount:         1000,
		Direction:      domain.DirectionLock,
		SourceChain:    "cosmoshub-4",
		DestChain:      "eth-mainnet",
		Status:         status,
		IdempotencyKey: idem,
	}
}

func TestCreateRejectsReusedIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	if err := s.Create(ctx, newTx("tx-1", "idem-1", domain.TxStatusInitiated)); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := s.Create(ctx, newTx("tx-2", "idem-1", domain.TxStatusInitiated))
	if !errors.Is(err, domain.ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
	if _, err := s.Get(ctx, "tx-2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("replayed transaction must not be stored, got %v", err)
	}
}

func TestUpdateStatusIfSingleWinner(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	if err := s.Create(ctx, newTx("tx-1", "idem-1", domain.TxStatusCollecting)); err != nil {
		t.Fatalf("create: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.UpdateStatusIf(ctx, "tx-1", domain.TxStatusCollecting, domain.TxStatusSigned) == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners int
	for range wins {
		winners++
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", winners)
	}
	got, err := s.Get(ctx, "tx-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TxStatusSigned {
		t.Fatalf("expected signed, got %s", got.Status)
	}
}

func TestAppendSignatureIgnoresDuplicateValidator(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	if err := s.Create(ctx, newTx("tx-1", "idem-1", domain.TxStatusCollecting)); err != nil {
		t.Fatalf("create: %v", err)
	}

	sig := domain.ValidatorSignature{ValidatorID: "val-1", Algorithm: domain.AlgMLDSA65, Signature: []byte{1}}
	added, err := s.AppendSignature(ctx, "tx-1", sig)
	if err != nil || !added {
		t.Fatalf("first append: added=%v err=%v", added, err)
	}
	added, err = s.AppendSignature(ctx, "tx-1", sig)
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if added {
		t.Fatal("second signature from the same validator must be ignored")
	}
	got, _ := s.Get(ctx, "tx-1")
	if len(got.Signatures) != 1 {
		t.Fatalf("expected 1 signature, got %d", len(got.Signatures))
	}
}

func TestNextSequenceMonotonicUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	if err := s.CreateChannel(ctx, &domain.Channel{ChannelID: "channel-0", State: domain.ChannelOpen}); err != nil {
		t.Fatalf("create channel: %v", err)
	}

	const n = 50
	seqs := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq, err := s.NextSequence(ctx, "channel-0")
			if err != nil {
				t.Errorf("next sequence: %v", err)
				return
			}
			seqs <- seq
		}()
	}
	wg.Wait()
	close(seqs)

	seen := make(map[uint64]bool, n)
	for seq := range seqs {
		if seen[seq] {
			t.Fatalf("sequence %d assigned twice", seq)
		}
		seen[seq] = true
	}
	if len(seen) != n {
		t.Fatalf("expected %d unique sequences, got %d", n, len(seen))
	}
	for i := uint64(1); i <= n; i++ {
		if !seen[i] {
			t.Fatalf("sequence %d never assigned", i)
		}
	}
}

func TestFinalizeIfIsTerminal(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	c := &domain.PacketCommitment{
		ChannelID: "channel-0",
		Sequence:  1,
		Hash:      []byte{0xaa},
		State:     domain.CommitmentPending,
	}
	if err := s.CreateCommitment(ctx, c); err != nil {
		t.Fatalf("create commitment: %v", err)
	}
	if err := s.FinalizeIf(ctx, "channel-0", 1, domain.CommitmentAcknowledged); err != nil {
		t.Fatalf("first finalize: %v", err)
	}
	err := s.FinalizeIf(ctx, "channel-0", 1, domain.CommitmentTimedOut)
	if !errors.Is(err, domain.ErrStateConflict) {
		t.Fatalf("expected ErrStateConflict, got %v", err)
	}
	got, _ := s.GetCommitment(ctx, "channel-0", 1)
	if got.State != domain.CommitmentAcknowledged {
		t.Fatalf("timeout must not override acknowledgment, got %s", got.State)
	}
}

func TestDebitInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	if err := s.Credit(ctx, "uatom", 500); err != nil {
		t.Fatalf("credit: %v", err)
	}
	err := s.Debit(ctx, "uatom", 600)
	if !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	bal, _ := s.Balance(ctx, "uatom")
	if bal != 500 {
		t.Fatalf("failed debit must not change balance, got %d", bal)
	}
}

func TestReceiptReplay(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	if err := s.CreateReceipt(ctx, "channel-0", 7); err != nil {
		t.Fatalf("first receipt: %v", err)
	}
	err := s.CreateReceipt(ctx, "channel-0", 7)
	if !errors.Is(err, domain.ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
	ok, _ := s.ReceiptExists(ctx, "channel-0", 7)
	if !ok {
		t.Fatal("receipt must exist after create")
	}
}
