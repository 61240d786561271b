// Package packet implements the channel handshake and the ordered packet
// lifecycle: send, receive, acknowledge, timeout. A packet resolves to
// exactly one terminal outcome; the commitment row's conditional finalize
// is what enforces that under races.
package packet

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/bridge/internal/consensus"
	"github.com/vietddude/bridge/internal/core/domain"
	"github.com/vietddude/bridge/internal/infra/storage"
	"github.com/vietddude/bridge/internal/metrics"
)

// HeadSource reports the counterparty chain tip, used to judge timeouts.
type HeadSource interface {
	GetChainHead(ctx context.Context) (domain.ChainHead, error)
}

// RefundCallback runs after a packet finalizes without delivering, either
// timed out or acknowledged as failed. The finalize has already won; the
// callback must be idempotent.
type RefundCallback func(ctx context.Context, pkt *domain.Packet) error

// ReceiptCache short-circuits obvious packet replays before the storage
// round trip. Storage receipts stay authoritative.
type ReceiptCache interface {
	MarkReceipt(ctx context.Context, channelID string, sequence uint64, ttl time.Duration) (bool, error)
}

// Lifecycle drives channels and packets end to end.
type Lifecycle struct {
	channels    storage.ChannelRepository
	commitments storage.CommitmentRepository
	receipts    storage.ReceiptRepository

	engine    *consensus.Engine
	registry  consensus.ValidatorRegistry
	threshold int

	handlers     *HandlerRegistry
	onTimeout    RefundCallback
	onAckFailure RefundCallback
	cache        ReceiptCache

	// timeoutDelta is added to the current head when stamping outgoing
	// packets: blocks in height mode, seconds in timestamp mode.
	timeoutDelta uint64

	logger *slog.Logger
}

type Option func(*Lifecycle)

// WithTimeoutCallback installs the hook run after a timeout finalizes.
func WithTimeoutCallback(cb RefundCallback) Option {
	return func(l *Lifecycle) { l.onTimeout = cb }
}

// WithFailureCallback installs the hook run after a failure ack finalizes.
func WithFailureCallback(cb RefundCallback) Option {
	return func(l *Lifecycle) { l.onAckFailure = cb }
}

// WithTimeoutDelta overrides the default timeout distance of 100.
func WithTimeoutDelta(delta uint64) Option {
	return func(l *Lifecycle) { l.timeoutDelta = delta }
}

// WithReceiptCache installs a fast-path replay gate ahead of the receipt
// store.
func WithReceiptCache(c ReceiptCache) Option {
	return func(l *Lifecycle) { l.cache = c }
}

func NewLifecycle(
	channels storage.ChannelRepository,
	commitments storage.CommitmentRepository,
	receipts storage.ReceiptRepository,
	engine *consensus.Engine,
	registry consensus.ValidatorRegistry,
	threshold int,
	handlers *HandlerRegistry,
	logger *slog.Logger,
	opts ...Option,
) *Lifecycle {
	l := &Lifecycle{
		channels:     channels,
		commitments:  commitments,
		receipts:     receipts,
		engine:       engine,
		registry:     registry,
		threshold:    threshold,
		handlers:     handlers,
		timeoutDelta: 100,
		logger:       logger.With("component", "packet"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OpenInit starts the handshake on this side. The channel is created in
// init and must complete the handshake before carrying packets. A zero
// delta inherits the lifecycle default timeout distance.
func (l *Lifecycle) OpenInit(ctx context.Context, channelID, portID, counterparty string, mode domain.TimeoutMode, delta uint64) (*domain.Channel, error) {
	if channelID == "" || portID == "" {
		return nil, fmt.Errorf("%w: channel id and port id are required", domain.ErrValidation)
	}
	if mode != domain.TimeoutByHeight && mode != domain.TimeoutByTimestamp {
		return nil, fmt.Errorf("%w: unknown timeout mode %q", domain.ErrValidation, mode)
	}
	ch := &domain.Channel{
		ChannelID:           channelID,
		PortID:              portID,
		CounterpartyChannel: counterparty,
		State:               domain.ChannelInit,
		TimeoutMode:         mode,
		TimeoutDelta:        delta,
		CreatedAt:           time.Now().Unix(),
	}
	if err := l.channels.Create(ctx, ch); err != nil {
		return nil, err
	}
	l.logger.Info("channel handshake started", "channel_id", channelID, "port_id", portID)
	return ch, nil
}

// OpenTry records the counterparty's handshake response on the try side.
func (l *Lifecycle) OpenTry(ctx context.Context, channelID, portID, counterparty string, mode domain.TimeoutMode, delta uint64) (*domain.Channel, error) {
	ch, err := l.OpenInit(ctx, channelID, portID, counterparty, mode, delta)
	if err != nil {
		return nil, err
	}
	if err := l.channels.UpdateStateIf(ctx, channelID, domain.ChannelInit, domain.ChannelTryOpen); err != nil {
		return nil, err
	}
	ch.State = domain.ChannelTryOpen
	return ch, nil
}

// OpenAck moves the init side to open once the counterparty tried.
func (l *Lifecycle) OpenAck(ctx context.Context, channelID string) error {
	if err := l.channels.UpdateStateIf(ctx, channelID, domain.ChannelInit, domain.ChannelOpen); err != nil {
		return err
	}
	l.logger.Info("channel open", "channel_id", channelID)
	return nil
}

// OpenConfirm moves the try side to open.
func (l *Lifecycle) OpenConfirm(ctx context.Context, channelID string) error {
	if err := l.channels.UpdateStateIf(ctx, channelID, domain.ChannelTryOpen, domain.ChannelOpen); err != nil {
		return err
	}
	l.logger.Info("channel open", "channel_id", channelID)
	return nil
}

// Close moves an open channel to closed. In-flight packets still resolve;
// only new sends are refused.
func (l *Lifecycle) Close(ctx context.Context, channelID string) error {
	if err := l.channels.UpdateStateIf(ctx, channelID, domain.ChannelOpen, domain.ChannelClosed); err != nil {
		return err
	}
	l.logger.Info("channel closed", "channel_id", channelID)
	return nil
}

// Send assigns the next sequence, stamps the timeout from the current
// counterparty head, and stores the commitment. Returns the packet to relay.
func (l *Lifecycle) Send(ctx context.Context, channelID string, payloadType domain.PayloadType, payload []byte, head HeadSource) (*domain.Packet, error) {
	ch, err := l.channels.Get(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if ch.State != domain.ChannelOpen {
		return nil, fmt.Errorf("%w: channel %s is %s, not open", domain.ErrValidation, channelID, ch.State)
	}

	tip, err := head.GetChainHead(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get counterparty head: %w", err)
	}

	seq, err := l.channels.NextSequence(ctx, channelID)
	if err != nil {
		return nil, err
	}

	pkt := &domain.Packet{
		ChannelID: channelID,
		Sequence:  seq,
		Payload:   payload,
		Type:      payloadType,
	}
	delta := ch.TimeoutDelta
	if delta == 0 {
		delta = l.timeoutDelta
	}
	switch ch.TimeoutMode {
	case domain.TimeoutByHeight:
		pkt.TimeoutHeight = tip.Height + delta
	case domain.TimeoutByTimestamp:
		pkt.TimeoutTimestamp = tip.Timestamp + delta
	}

	c := &domain.PacketCommitment{
		ChannelID: channelID,
		Sequence:  seq,
		Hash:      pkt.CommitmentHash(),
		State:     domain.CommitmentPending,
		CreatedAt: time.Now().Unix(),
	}
	if err := l.commitments.Create(ctx, c); err != nil {
		return nil, err
	}

	metrics.PacketsTotal.WithLabelValues(channelID, "sent").Inc()
	l.logger.Info("packet sent", "channel_id", channelID, "sequence", seq, "type", string(payloadType))
	return pkt, nil
}

// Receive verifies the counterparty signatures over the packet, records the
// receipt (the replay gate), dispatches the payload handler, and returns the
// signed acknowledgment. A failed handler still consumes the receipt and
// produces a failure ack; the sender refunds on it.
func (l *Lifecycle) Receive(ctx context.Context, pkt *domain.Packet, sigs []domain.ValidatorSignature) (*domain.Ack, error) {
	ch, err := l.channels.Get(ctx, pkt.ChannelID)
	if err != nil {
		return nil, err
	}
	if ch.State != domain.ChannelOpen {
		return nil, fmt.Errorf("%w: channel %s is %s, not open", domain.ErrValidation, pkt.ChannelID, ch.State)
	}

	active, err := l.registry.ListActiveValidators(ctx)
	if err != nil {
		return nil, err
	}
	digest := pkt.CommitmentHash()
	if _, err := l.engine.VerifyThresholdDigest(digest, sigs, active, l.threshold); err != nil {
		metrics.PacketsTotal.WithLabelValues(pkt.ChannelID, "rejected").Inc()
		return nil, err
	}

	if l.cache != nil {
		fresh, err := l.cache.MarkReceipt(ctx, pkt.ChannelID, pkt.Sequence, 24*time.Hour)
		if err != nil {
			l.logger.Warn("receipt cache unavailable",
				"channel_id", pkt.ChannelID, "sequence", pkt.Sequence, "error", err)
		} else if !fresh {
			metrics.PacketsTotal.WithLabelValues(pkt.ChannelID, "replayed").Inc()
			return nil, fmt.Errorf("%w: packet %s/%d", domain.ErrReplay, pkt.ChannelID, pkt.Sequence)
		}
	}

	if err := l.receipts.Create(ctx, pkt.ChannelID, pkt.Sequence); err != nil {
		metrics.PacketsTotal.WithLabelValues(pkt.ChannelID, "replayed").Inc()
		return nil, err
	}

	result, herr := l.handlers.Dispatch(ctx, pkt)
	ack := &domain.Ack{
		ChannelID: pkt.ChannelID,
		Sequence:  pkt.Sequence,
		Success:   herr == nil,
		Result:    result,
	}
	if herr != nil {
		l.logger.Warn("packet handler failed",
			"channel_id", pkt.ChannelID, "sequence", pkt.Sequence, "error", herr)
	}

	metrics.PacketsTotal.WithLabelValues(pkt.ChannelID, "received").Inc()
	return ack, nil
}

// AckDigest is the canonical digest an acknowledgment's signatures bind.
func AckDigest(ack *domain.Ack) []byte {
	h := sha256.New()
	h.Write([]byte(ack.ChannelID))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], ack.Sequence)
	h.Write(buf[:])
	if ack.Success {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(ack.Result)
	return h.Sum(nil)
}

// Acknowledge finalizes a pending commitment on the send side. The packet
// must match the stored commitment. A failure ack still finalizes the
// commitment as acknowledged, then hands the packet to the failure callback
// so the source side can refund. An ack for a packet already acknowledged
// or timed out fails with ErrAlreadyFinalized.
func (l *Lifecycle) Acknowledge(ctx context.Context, pkt *domain.Packet, ack *domain.Ack) error {
	if pkt.ChannelID != ack.ChannelID || pkt.Sequence != ack.Sequence {
		return fmt.Errorf("%w: ack does not reference packet %s/%d",
			domain.ErrValidation, pkt.ChannelID, pkt.Sequence)
	}

	active, err := l.registry.ListActiveValidators(ctx)
	if err != nil {
		return err
	}
	if _, err := l.engine.VerifyThresholdDigest(AckDigest(ack), ack.Signatures, active, l.threshold); err != nil {
		return err
	}

	c, err := l.commitments.Get(ctx, ack.ChannelID, ack.Sequence)
	if err != nil {
		return err
	}
	if !bytes.Equal(c.Hash, pkt.CommitmentHash()) {
		return fmt.Errorf("%w: packet does not match commitment %s/%d",
			domain.ErrValidation, pkt.ChannelID, pkt.Sequence)
	}

	err = l.commitments.FinalizeIf(ctx, ack.ChannelID, ack.Sequence, domain.CommitmentAcknowledged)
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			return fmt.Errorf("%w: packet %s/%d", domain.ErrAlreadyFinalized, ack.ChannelID, ack.Sequence)
		}
		return err
	}

	metrics.PacketsTotal.WithLabelValues(ack.ChannelID, "acknowledged").Inc()
	l.logger.Info("packet acknowledged",
		"channel_id", ack.ChannelID, "sequence", ack.Sequence, "success", ack.Success)

	if !ack.Success && l.onAckFailure != nil {
		if err := l.onAckFailure(ctx, pkt); err != nil {
			l.logger.Error("failure ack callback failed",
				"channel_id", pkt.ChannelID, "sequence", pkt.Sequence, "error", err)
		}
	}
	return nil
}

// Timeout finalizes a pending commitment as timed out once the counterparty
// head has passed the packet's timeout strictly. Landing exactly on the
// timeout height or timestamp is not yet elapsed.
func (l *Lifecycle) Timeout(ctx context.Context, pkt *domain.Packet, head domain.ChainHead) error {
	ch, err := l.channels.Get(ctx, pkt.ChannelID)
	if err != nil {
		return err
	}

	c, err := l.commitments.Get(ctx, pkt.ChannelID, pkt.Sequence)
	if err != nil {
		return err
	}
	if !bytes.Equal(c.Hash, pkt.CommitmentHash()) {
		return fmt.Errorf("%w: packet does not match commitment %s/%d",
			domain.ErrValidation, pkt.ChannelID, pkt.Sequence)
	}

	var elapsed bool
	switch ch.TimeoutMode {
	case domain.TimeoutByHeight:
		elapsed = head.Height > pkt.TimeoutHeight
	case domain.TimeoutByTimestamp:
		elapsed = head.Timestamp > pkt.TimeoutTimestamp
	}
	if !elapsed {
		return fmt.Errorf("%w: packet %s/%d has not timed out yet",
			domain.ErrTimeout, pkt.ChannelID, pkt.Sequence)
	}

	err = l.commitments.FinalizeIf(ctx, pkt.ChannelID, pkt.Sequence, domain.CommitmentTimedOut)
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			return fmt.Errorf("%w: packet %s/%d", domain.ErrAlreadyFinalized, pkt.ChannelID, pkt.Sequence)
		}
		return err
	}

	metrics.PacketsTotal.WithLabelValues(pkt.ChannelID, "timed_out").Inc()
	l.logger.Info("packet timed out", "channel_id", pkt.ChannelID, "sequence", pkt.Sequence)

	if l.onTimeout != nil {
		if err := l.onTimeout(ctx, pkt); err != nil {
			l.logger.Error("timeout callback failed",
				"channel_id", pkt.ChannelID, "sequence", pkt.Sequence, "error", err)
		}
	}
	return nil
}
