package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vietddude/bridge/internal/bridge"
	"github.com/vietddude/bridge/internal/consensus"
	"github.com/vietddude/bridge/internal/core/domain"
	"github.com/vietddude/bridge/internal/governor"
	"github.com/vietddude/bridge/internal/infra/chain"
	"github.com/vietddude/bridge/internal/infra/storage"
	"github.com/vietddude/bridge/internal/packet"
)

// CommandError carries the machine-readable error kind from the taxonomy.
type CommandError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// CommandResult is the uniform response of every command.
type CommandResult struct {
	Status string        `json:"status"` // ok | error
	ID     string        `json:"id,omitempty"`
	Data   any           `json:"data,omitempty"`
	Error  *CommandError `json:"error,omitempty"`
}

func okResult(id string, data any) CommandResult {
	return CommandResult{Status: "ok", ID: id, Data: data}
}

func errResult(err error) CommandResult {
	return CommandResult{
		Status: "error",
		Error:  &CommandError{Kind: domain.ErrorKind(err), Message: err.Error()},
	}
}

// Commander executes bridge commands. It is the single entry point shared by
// the HTTP surface and the CLI.
type Commander struct {
	manager    *bridge.Manager
	lifecycle  *packet.Lifecycle
	gov        *governor.Governor
	connectors *chain.Registry
	registry   consensus.ValidatorRegistry
	txs        storage.TransactionRepository
	channels   storage.ChannelRepository
	escrow     storage.EscrowRepository
	assets     storage.AssetRepository
	logger     *slog.Logger
}

func NewCommander(
	manager *bridge.Manager,
	lifecycle *packet.Lifecycle,
	gov *governor.Governor,
	connectors *chain.Registry,
	registry consensus.ValidatorRegistry,
	txs storage.TransactionRepository,
	channels storage.ChannelRepository,
	escrow storage.EscrowRepository,
	assets storage.AssetRepository,
	logger *slog.Logger,
) *Commander {
	return &Commander{
		manager:    manager,
		lifecycle:  lifecycle,
		gov:        gov,
		connectors: connectors,
		registry:   registry,
		txs:        txs,
		channels:   channels,
		escrow:     escrow,
		assets:     assets,
		logger:     logger.With("component", "commands"),
	}
}

type transferParams struct {
	AssetID        string `json:"asset_id"`
	Amount         uint64 `json:"amount"`
	SourceChain    string `json:"source_chain"`
	DestChain      string `json:"dest_chain"`
	SourceAddr     string `json:"source_addr"`
	DestAddr       string `json:"dest_addr"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (p *transferParams) request() *bridge.TransferRequest {
	return &bridge.TransferRequest{
		AssetID:        p.AssetID,
		Amount:         p.Amount,
		SourceChain:    domain.ChainID(p.SourceChain),
		DestChain:      domain.ChainID(p.DestChain),
		SourceAddr:     p.SourceAddr,
		DestAddr:       p.DestAddr,
		IdempotencyKey: p.IdempotencyKey,
	}
}

type txParams struct {
	TxID string `json:"tx_id"`
}

type signatureParams struct {
	TxID      string                    `json:"tx_id"`
	Signature domain.ValidatorSignature `json:"signature"`
}

type channelParams struct {
	ChannelID    string `json:"channel_id"`
	PortID       string `json:"port_id"`
	Counterparty string `json:"counterparty_channel_id"`
	TimeoutMode  string `json:"timeout_mode"`
	TimeoutDelta uint64 `json:"timeout_delta"`
}

type sendPacketParams struct {
	ChannelID string `json:"channel_id"`
	ChainID   string `json:"chain_id"`
	Type      string `json:"type"`
	Payload   []byte `json:"payload"`
}

type timeoutPacketParams struct {
	Packet domain.Packet `json:"packet"`
}

type receivePacketParams struct {
	Packet     domain.Packet               `json:"packet"`
	Signatures []domain.ValidatorSignature `json:"signatures"`
}

type ackPacketParams struct {
	Packet domain.Packet `json:"packet"`
	Ack    domain.Ack    `json:"ack"`
}

type governorParams struct {
	Nonce      uint64                      `json:"nonce"`
	Signatures []domain.ValidatorSignature `json:"signatures"`
}

// Execute runs one named command against JSON-encoded parameters.
func (c *Commander) Execute(ctx context.Context, name string, params json.RawMessage) CommandResult {
	switch name {
	case "lock":
		return c.transfer(ctx, params, c.manager.Lock)
	case "burn":
		return c.transfer(ctx, params, c.manager.Burn)
	case "mint", "unlock":
		// Both deliver a signed transfer; direction decides mint or unlock.
		var p txParams
		if err := decode(params, &p); err != nil {
			return errResult(err)
		}
		if err := c.manager.Execute(ctx, p.TxID); err != nil {
			return errResult(err)
		}
		return okResult(p.TxID, nil)
	case "submit-signature":
		var p signatureParams
		if err := decode(params, &p); err != nil {
			return errResult(err)
		}
		tx, err := c.manager.SubmitSignature(ctx, p.TxID, p.Signature)
		if err != nil {
			return errResult(err)
		}
		return okResult(tx.ID, map[string]any{
			"status":     string(tx.Status),
			"signatures": len(tx.Signatures),
		})
	case "create-channel":
		var p channelParams
		if err := decode(params, &p); err != nil {
			return errResult(err)
		}
		ch, err := c.lifecycle.OpenInit(ctx, p.ChannelID, p.PortID, p.Counterparty, domain.TimeoutMode(p.TimeoutMode), p.TimeoutDelta)
		if err != nil {
			return errResult(err)
		}
		if err := c.lifecycle.OpenAck(ctx, ch.ChannelID); err != nil {
			return errResult(err)
		}
		return okResult(ch.ChannelID, nil)
	case "close-channel":
		var p channelParams
		if err := decode(params, &p); err != nil {
			return errResult(err)
		}
		if err := c.lifecycle.Close(ctx, p.ChannelID); err != nil {
			return errResult(err)
		}
		return okResult(p.ChannelID, nil)
	case "send-packet":
		return c.sendPacket(ctx, params)
	case "receive-packet":
		var p receivePacketParams
		if err := decode(params, &p); err != nil {
			return errResult(err)
		}
		ack, err := c.lifecycle.Receive(ctx, &p.Packet, p.Signatures)
		if err != nil {
			return errResult(err)
		}
		return okResult(fmt.Sprintf("%s/%d", ack.ChannelID, ack.Sequence), ack)
	case "ack-packet":
		var p ackPacketParams
		if err := decode(params, &p); err != nil {
			return errResult(err)
		}
		if err := c.lifecycle.Acknowledge(ctx, &p.Packet, &p.Ack); err != nil {
			return errResult(err)
		}
		return okResult(fmt.Sprintf("%s/%d", p.Ack.ChannelID, p.Ack.Sequence), nil)
	case "timeout-packet":
		return c.timeoutPacket(ctx, params)
	case "halt":
		var p governorParams
		if err := decode(params, &p); err != nil {
			return errResult(err)
		}
		if err := c.gov.Halt(ctx, p.Nonce, p.Signatures); err != nil {
			return errResult(err)
		}
		return okResult("", map[string]bool{"halted": true})
	case "resume":
		var p governorParams
		if err := decode(params, &p); err != nil {
			return errResult(err)
		}
		if err := c.gov.Resume(ctx, p.Nonce, p.Signatures); err != nil {
			return errResult(err)
		}
		return okResult("", map[string]bool{"halted": false})
	case "list-channels":
		channels, err := c.channels.List(ctx)
		if err != nil {
			return errResult(err)
		}
		return okResult("", channels)
	case "list-assets":
		assets, err := c.assets.List(ctx)
		if err != nil {
			return errResult(err)
		}
		return okResult("", assets)
	case "list-validators":
		validators, err := c.registry.ListActiveValidators(ctx)
		if err != nil {
			return errResult(err)
		}
		return okResult("", validators)
	case "stats":
		return c.stats(ctx)
	default:
		return errResult(fmt.Errorf("%w: unknown command %q", domain.ErrValidation, name))
	}
}

func (c *Commander) transfer(ctx context.Context, params json.RawMessage, op func(context.Context, *bridge.TransferRequest) (*domain.BridgeTransaction, error)) CommandResult {
	var p transferParams
	if err := decode(params, &p); err != nil {
		return errResult(err)
	}
	tx, err := op(ctx, p.request())
	if err != nil {
		return errResult(err)
	}
	return okResult(tx.ID, map[string]any{
		"status": string(tx.Status),
		"fee":    tx.FeeAmount,
		"nonce":  tx.Nonce,
	})
}

func (c *Commander) sendPacket(ctx context.Context, params json.RawMessage) CommandResult {
	var p sendPacketParams
	if err := decode(params, &p); err != nil {
		return errResult(err)
	}
	conn, err := c.connectors.Get(domain.ChainID(p.ChainID))
	if err != nil {
		return errResult(err)
	}
	pkt, err := c.lifecycle.Send(ctx, p.ChannelID, domain.PayloadType(p.Type), p.Payload, conn)
	if err != nil {
		return errResult(err)
	}
	return okResult(fmt.Sprintf("%s/%d", pkt.ChannelID, pkt.Sequence), pkt)
}

func (c *Commander) timeoutPacket(ctx context.Context, params json.RawMessage) CommandResult {
	var p struct {
		timeoutPacketParams
		ChainID string `json:"chain_id"`
	}
	if err := decode(params, &p); err != nil {
		return errResult(err)
	}
	conn, err := c.connectors.Get(domain.ChainID(p.ChainID))
	if err != nil {
		return errResult(err)
	}
	head, err := conn.GetChainHead(ctx)
	if err != nil {
		return errResult(err)
	}
	if err := c.lifecycle.Timeout(ctx, &p.Packet, head); err != nil {
		return errResult(err)
	}
	return okResult(fmt.Sprintf("%s/%d", p.Packet.ChannelID, p.Packet.Sequence), nil)
}

func (c *Commander) stats(ctx context.Context) CommandResult {
	counts, err := c.txs.CountByStatus(ctx)
	if err != nil {
		return errResult(err)
	}
	total, err := c.escrow.TotalLocked(ctx)
	if err != nil {
		return errResult(err)
	}
	transfers := make(map[string]int, len(counts))
	for status, n := range counts {
		transfers[string(status)] = n
	}
	return okResult("", map[string]any{
		"halted":       c.gov.IsHalted(),
		"transfers":    transfers,
		"total_locked": total,
	})
}

func decode(params json.RawMessage, out any) error {
	if len(params) == 0 {
		return fmt.Errorf("%w: missing command parameters", domain.ErrValidation)
	}
	if err := json.Unmarshal(params, out); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return nil
}

type commandRequest struct {
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params"`
}

// ServeHTTP exposes the command surface as POST /commands.
func (c *Commander) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(errResult(fmt.Errorf("%w: %v", domain.ErrValidation, err)))
		return
	}

	result := c.Execute(r.Context(), req.Command, req.Params)
	c.logger.Info("command executed", "command", req.Command, "status", result.Status)

	w.Header().Set("Content-Type", "application/json")
	if result.Status != "ok" {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	json.NewEncoder(w).Encode(result)
}
