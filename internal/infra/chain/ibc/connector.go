// Package ibc implements a chain connector for IBC-style destination
// chains. Instructions do not go to a relay directly; they ride as
// token_transfer packets on the chain's configured channel and settle when
// the counterparty acknowledges.
package ibc

import (
	"context"
	"encoding/json"
	"fmt"
	logger "log/slog"

	"github.com/vietddude/bridge/internal/core/domain"
	"github.com/vietddude/bridge/internal/infra/chain"
	"github.com/vietddude/bridge/internal/packet"
)

type Connector struct {
	chainID   domain.ChainID
	format    domain.ChainFormat
	channelID string
	lifecycle *packet.Lifecycle
	head      packet.HeadSource
	log       *logger.Logger
}

func NewConnector(
	chainID domain.ChainID,
	format domain.ChainFormat,
	channelID string,
	lifecycle *packet.Lifecycle,
	head packet.HeadSource,
	log *logger.Logger,
) *Connector {
	return &Connector{
		chainID:   chainID,
		format:    format,
		channelID: channelID,
		lifecycle: lifecycle,
		head:      head,
		log:       log.With("component", "ibc-connector", "chain_id", string(chainID)),
	}
}

func (c *Connector) GetChainID() domain.ChainID    { return c.chainID }
func (c *Connector) GetKind() domain.ChainKind     { return domain.ChainKindIBC }
func (c *Connector) GetFormat() domain.ChainFormat { return c.format }

// SubmitMint sends the mint instruction as a packet. The returned reference
// names the in-flight packet; the transfer settles on acknowledgment.
func (c *Connector) SubmitMint(ctx context.Context, instr *chain.MintInstruction) (string, error) {
	return c.send(ctx, instr)
}

// SubmitUnlock sends the unlock instruction as a packet.
func (c *Connector) SubmitUnlock(ctx context.Context, instr *chain.UnlockInstruction) (string, error) {
	return c.send(ctx, instr)
}

func (c *Connector) send(ctx context.Context, instr any) (string, error) {
	payload, err := json.Marshal(instr)
	if err != nil {
		return "", fmt.Errorf("failed to encode instruction: %w", err)
	}

	pkt, err := c.lifecycle.Send(ctx, c.channelID, domain.PayloadTokenTransfer, payload, c.head)
	if err != nil {
		return "", err
	}

	ref := fmt.Sprintf("pkt:%s/%d", pkt.ChannelID, pkt.Sequence)
	c.log.Info("instruction packeted", "reference", ref)
	return ref, nil
}

// GetChainHead reports the counterparty chain tip.
func (c *Connector) GetChainHead(ctx context.Context) (domain.ChainHead, error) {
	return c.head.GetChainHead(ctx)
}

// Health checks counterparty head availability and channel state.
func (c *Connector) Health(ctx context.Context) error {
	if _, err := c.head.GetChainHead(ctx); err != nil {
		return err
	}
	return nil
}
