package packet

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/vietddude/bridge/internal/consensus"
	"github.com/vietddude/bridge/internal/core/domain"
	"github.com/vietddude/bridge/internal/infra/storage/memory"
)

type staticRegistry struct {
	validators []domain.Validator
}

func (r *staticRegistry) ListActiveValidators(ctx context.Context) ([]domain.Validator, error) {
	return r.validators, nil
}

type staticHead struct {
	head domain.ChainHead
}

func (h *staticHead) GetChainHead(ctx context.Context) (domain.ChainHead, error) {
	return h.head, nil
}

// testFixture wires a lifecycle over the in-memory store with three
// ML-DSA-44 validators and a threshold of two.
type testFixture struct {
	store     *memory.Store
	lifecycle *Lifecycle
	engine    *consensus.Engine
	registry  *staticRegistry
}

func newFixture(t *testing.T, opts ...Option) *testFixture {
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
	engine := consensus.NewEngine(keys)
	handlers := NewHandlerRegistry()
	handlers.Register(domain.PayloadTokenTransfer,
		HandlerFunc(func(ctx context.Context, pkt *domain.Packet) ([]byte, error) {
			return []byte("ok"), nil
		}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lc := NewLifecycle(
		store.Channels(), store.Commitments(), store.Receipts(),
		engine, registry, 2, handlers, logger, opts...,
	)
	return &testFixture{store: store, lifecycle: lc, engine: engine, registry: registry}
}

func (f *testFixture) openChannel(t *testing.T, id string, mode domain.TimeoutMode) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.lifecycle.OpenInit(ctx, id, "transfer", "channel-9", mode, 0); err != nil {
		t.Fatalf("open init: %v", err)
	}
	if err := f.lifecycle.OpenAck(ctx, id); err != nil {
		t.Fatalf("open ack: %v", err)
	}
}

func (f *testFixture) signDigest(t *testing.T, digest []byte, n int) []domain.ValidatorSignature {
	t.Helper()
	var sigs []domain.ValidatorSignature
	for i := 0; i < n; i++ {
		sig, err := f.engine.SignDigest(digest, fmt.Sprintf("val-%d", i))
		if err != nil {
			t.Fatalf("sign digest: %v", err)
		}
		sigs = append(sigs, sig)
	}
	return sigs
}

func TestHandshakeStates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ch, err := f.lifecycle.OpenInit(ctx, "channel-0", "transfer", "channel-9", domain.TimeoutByHeight, 0)
	if err != nil {
		t.Fatalf("open init: %v", err)
	}
	if ch.State != domain.ChannelInit {
		t.Fatalf("expected init, got %s", ch.State)
	}

	// Sending before the handshake completes must fail.
	head := &staticHead{head: domain.ChainHead{Height: 10}}
	if _, err := f.lifecycle.Send(ctx, "channel-0", domain.PayloadTokenTransfer, []byte("x"), head); err == nil {
		t.Fatal("send on non-open channel must fail")
	}

	if err := f.lifecycle.OpenAck(ctx, "channel-0"); err != nil {
		t.Fatalf("open ack: %v", err)
	}
	got, _ := f.store.Channels().Get(ctx, "channel-0")
	if got.State != domain.ChannelOpen {
		t.Fatalf("expected open, got %s", got.State)
	}
}

func TestSendAssignsSequencesAndTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithTimeoutDelta(50))
	f.openChannel(t, "channel-0", domain.TimeoutByHeight)

	head := &staticHead{head: domain.ChainHead{Height: 100}}
	p1, err := f.lifecycle.Send(ctx, "channel-0", domain.PayloadTokenTransfer, []byte("a"), head)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	p2, err := f.lifecycle.Send(ctx, "channel-0", domain.PayloadTokenTransfer, []byte("b"), head)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if p1.Sequence != 1 || p2.Sequence != 2 {
		t.Fatalf("expected sequences 1,2 got %d,%d", p1.Sequence, p2.Sequence)
	}
	if p1.TimeoutHeight != 150 {
		t.Fatalf("expected timeout height 150, got %d", p1.TimeoutHeight)
	}
	if _, err := f.store.Commitments().Get(ctx, "channel-0", 1); err != nil {
		t.Fatalf("commitment missing: %v", err)
	}
}

func TestReceiveRejectsBelowThreshold(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.openChannel(t, "channel-0", domain.TimeoutByHeight)

	pkt := &domain.Packet{
		ChannelID: "channel-0",
		Sequence:  1,
		Payload:   []byte("transfer"),
		Type:      domain.PayloadTokenTransfer,
	}
	sigs := f.signDigest(t, pkt.CommitmentHash(), 1)

	_, err := f.lifecycle.Receive(ctx, pkt, sigs)
	if !errors.Is(err, domain.ErrInsufficientSignatures) {
		t.Fatalf("expected ErrInsufficientSignatures, got %v", err)
	}
	// A rejected packet must not consume the receipt.
	exists, _ := f.store.Receipts().Exists(ctx, "channel-0", 1)
	if exists {
		t.Fatal("rejected packet must not leave a receipt")
	}
}

func TestReceiveReplayRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.openChannel(t, "channel-0", domain.TimeoutByHeight)

	pkt := &domain.Packet{
		ChannelID: "channel-0",
		Sequence:  1,
		Payload:   []byte("transfer"),
		Type:      domain.PayloadTokenTransfer,
	}
	sigs := f.signDigest(t, pkt.CommitmentHash(), 2)

	ack, err := f.lifecycle.Receive(ctx, pkt, sigs)
	if err != nil {
		t.Fatalf("first receive: %v", err)
	}
	if !ack.Success {
		t.Fatal("expected success ack")
	}

	_, err = f.lifecycle.Receive(ctx, pkt, sigs)
	if !errors.Is(err, domain.ErrReplay) {
		t.Fatalf("expected ErrReplay, got %v", err)
	}
}

func TestTimeoutThenAckAlreadyFinalized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithTimeoutDelta(10))
	f.openChannel(t, "channel-0", domain.TimeoutByHeight)

	var refunded bool
	f.lifecycle.onTimeout = func(ctx context.Context, pkt *domain.Packet) error {
		refunded = true
		return nil
	}

	head := &staticHead{head: domain.ChainHead{Height: 100}}
	pkt, err := f.lifecycle.Send(ctx, "channel-0", domain.PayloadTokenTransfer, []byte("a"), head)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// Landing exactly on the timeout height is not elapsed.
	err = f.lifecycle.Timeout(ctx, pkt, domain.ChainHead{Height: pkt.TimeoutHeight})
	if !errors.Is(err, domain.ErrTimeout) {
		t.Fatalf("expected ErrTimeout at exact height, got %v", err)
	}

	if err := f.lifecycle.Timeout(ctx, pkt, domain.ChainHead{Height: pkt.TimeoutHeight + 1}); err != nil {
		t.Fatalf("timeout: %v", err)
	}
	if !refunded {
		t.Fatal("timeout callback must run after finalize")
	}

	// A late acknowledgment for the same packet must be refused.
	ack := &domain.Ack{ChannelID: "channel-0", Sequence: pkt.Sequence, Success: true}
	ack.Signatures = f.signDigest(t, AckDigest(ack), 2)
	err = f.lifecycle.Acknowledge(ctx, pkt, ack)
	if !errors.Is(err, domain.ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}

	c, _ := f.store.Commitments().Get(ctx, "channel-0", pkt.Sequence)
	if c.State != domain.CommitmentTimedOut {
		t.Fatalf("expected timed_out, got %s", c.State)
	}
}

func TestAcknowledgeFinalizesCommitment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.openChannel(t, "channel-0", domain.TimeoutByHeight)

	head := &staticHead{head: domain.ChainHead{Height: 100}}
	pkt, err := f.lifecycle.Send(ctx, "channel-0", domain.PayloadTokenTransfer, []byte("a"), head)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	ack := &domain.Ack{ChannelID: "channel-0", Sequence: pkt.Sequence, Success: true, Result: []byte("ok")}
	ack.Signatures = f.signDigest(t, AckDigest(ack), 2)
	if err := f.lifecycle.Acknowledge(ctx, pkt, ack); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	// Timeout after acknowledgment must not flip the outcome.
	err = f.lifecycle.Timeout(ctx, pkt, domain.ChainHead{Height: pkt.TimeoutHeight + 1})
	if !errors.Is(err, domain.ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
	c, _ := f.store.Commitments().Get(ctx, "channel-0", pkt.Sequence)
	if c.State != domain.CommitmentAcknowledged {
		t.Fatalf("expected acknowledged, got %s", c.State)
	}
}

func TestFailureAckFinalizesAndRefunds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.openChannel(t, "channel-0", domain.TimeoutByHeight)

	var refunded bool
	f.lifecycle.onAckFailure = func(ctx context.Context, pkt *domain.Packet) error {
		refunded = true
		return nil
	}

	head := &staticHead{head: domain.ChainHead{Height: 100}}
	pkt, err := f.lifecycle.Send(ctx, "channel-0", domain.PayloadTokenTransfer, []byte("a"), head)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// The destination handler failed; the ack reports it.
	ack := &domain.Ack{ChannelID: "channel-0", Sequence: pkt.Sequence, Success: false, Result: []byte("handler failed")}
	ack.Signatures = f.signDigest(t, AckDigest(ack), 2)
	if err := f.lifecycle.Acknowledge(ctx, pkt, ack); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	c, _ := f.store.Commitments().Get(ctx, "channel-0", pkt.Sequence)
	if c.State != domain.CommitmentAcknowledged {
		t.Fatalf("expected acknowledged, got %s", c.State)
	}
	if !refunded {
		t.Fatal("failure ack must hand the packet to the refund callback")
	}

	// The failure ack is the terminal outcome; a later timeout is refused.
	err = f.lifecycle.Timeout(ctx, pkt, domain.ChainHead{Height: pkt.TimeoutHeight + 1})
	if !errors.Is(err, domain.ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
}

func TestAcknowledgeRejectsMismatchedPacket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.openChannel(t, "channel-0", domain.TimeoutByHeight)

	head := &staticHead{head: domain.ChainHead{Height: 100}}
	pkt, err := f.lifecycle.Send(ctx, "channel-0", domain.PayloadTokenTransfer, []byte("a"), head)
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	forged := *pkt
	forged.Payload = []byte("b")
	ack := &domain.Ack{ChannelID: "channel-0", Sequence: pkt.Sequence, Success: true}
	ack.Signatures = f.signDigest(t, AckDigest(ack), 2)
	err = f.lifecycle.Acknowledge(ctx, &forged, ack)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation for mismatched packet, got %v", err)
	}
	c, _ := f.store.Commitments().Get(ctx, "channel-0", pkt.Sequence)
	if c.State != domain.CommitmentPending {
		t.Fatalf("expected pending, got %s", c.State)
	}
}

func TestChannelTimeoutDeltaOverridesDefault(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithTimeoutDelta(50))

	if _, err := f.lifecycle.OpenInit(ctx, "channel-1", "transfer", "channel-9", domain.TimeoutByHeight, 500); err != nil {
		t.Fatalf("open init: %v", err)
	}
	if err := f.lifecycle.OpenAck(ctx, "channel-1"); err != nil {
		t.Fatalf("open ack: %v", err)
	}

	head := &staticHead{head: domain.ChainHead{Height: 100}}
	pkt, err := f.lifecycle.Send(ctx, "channel-1", domain.PayloadTokenTransfer, []byte("a"), head)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if pkt.TimeoutHeight != 600 {
		t.Fatalf("expected channel delta 500 to apply, got timeout height %d", pkt.TimeoutHeight)
	}

	// A channel without its own delta falls back to the node default.
	f.openChannel(t, "channel-2", domain.TimeoutByHeight)
	pkt, err = f.lifecycle.Send(ctx, "channel-2", domain.PayloadTokenTransfer, []byte("a"), head)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if pkt.TimeoutHeight != 150 {
		t.Fatalf("expected default delta 50 to apply, got timeout height %d", pkt.TimeoutHeight)
	}
}

func TestCloseRefusesNewSends(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.openChannel(t, "channel-0", domain.TimeoutByHeight)

	if err := f.lifecycle.Close(ctx, "channel-0"); err != nil {
		t.Fatalf("close: %v", err)
	}
	head := &staticHead{head: domain.ChainHead{Height: 100}}
	_, err := f.lifecycle.Send(ctx, "channel-0", domain.PayloadTokenTransfer, []byte("a"), head)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected ErrValidation on closed channel, got %v", err)
	}
}
