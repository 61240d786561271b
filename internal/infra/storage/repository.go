package storage

import (
	"context"

	"github.com/vietddude/bridge/internal/core/domain"
)

// TransactionRepository handles bridge transaction storage. Status
// transitions that gate irreversible side effects go through UpdateStatusIf,
// a conditional update that fails with domain.ErrStateConflict when the
// stored status no longer matches the expected one.
type TransactionRepository interface {
	// Create persists a new transaction and reserves its idempotency key.
	// Returns domain.ErrReplay when the key was already used.
	Create(ctx context.Context, tx *domain.BridgeTransaction) error

	// Get retrieves a transaction by id. Returns domain.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.BridgeTransaction, error)

	// UpdateStatusIf transitions status only if the stored status equals
	// expected. Returns domain.ErrStateConflict when it does not.
	UpdateStatusIf(ctx context.Context, id string, expected, next domain.TxStatus) error

	// AppendSignature adds a validator signature. Returns false without
	// error when the validator already signed (idempotent per validator).
	AppendSignature(ctx context.Context, id string, sig domain.ValidatorSignature) (bool, error)

	// SetDestTxHash records the destination chain transaction hash.
	SetDestTxHash(ctx context.Context, id string, hash string) error

	// ListByStatus retrieves all transactions in a status.
	ListByStatus(ctx context.Context, status domain.TxStatus) ([]*domain.BridgeTransaction, error)

	// ListCollectingBefore retrieves signatures_collecting transactions
	// created at or before the cutoff (unix seconds), for the sweeper.
	ListCollectingBefore(ctx context.Context, cutoff int64) ([]*domain.BridgeTransaction, error)

	// CountByStatus returns transaction counts keyed by status.
	CountByStatus(ctx context.Context) (map[domain.TxStatus]int, error)
}

// ChannelRepository handles channel storage. NextSequence is atomic: two
// concurrent sends on one channel never observe the same sequence.
type ChannelRepository interface {
	// Create persists a new channel. Returns domain.ErrReplay when the
	// channel id already exists.
	Create(ctx context.Context, ch *domain.Channel) error

	// Get retrieves a channel by id. Returns domain.ErrNotFound.
	Get(ctx context.Context, channelID string) (*domain.Channel, error)

	// UpdateStateIf transitions channel state conditionally.
	UpdateStateIf(ctx context.Context, channelID string, expected, next domain.ChannelState) error

	// NextSequence atomically increments and returns the channel's send
	// sequence, starting at 1.
	NextSequence(ctx context.Context, channelID string) (uint64, error)

	// List retrieves all channels.
	List(ctx context.Context) ([]*domain.Channel, error)
}

// CommitmentRepository handles packet commitment storage. Operations on the
// same (channel_id, sequence) are serialized so acknowledge and timeout
// cannot both finalize one packet.
type CommitmentRepository interface {
	// Create persists a pending commitment. Returns domain.ErrReplay when
	// a commitment for (channel_id, sequence) already exists.
	Create(ctx context.Context, c *domain.PacketCommitment) error

	// Get retrieves a commitment. Returns domain.ErrNotFound.
	Get(ctx context.Context, channelID string, sequence uint64) (*domain.PacketCommitment, error)

	// FinalizeIf moves a pending commitment to a terminal state. Returns
	// domain.ErrStateConflict when the commitment is not pending and
	// domain.ErrNotFound when it does not exist.
	FinalizeIf(ctx context.Context, channelID string, sequence uint64, next domain.CommitmentState) error
}

// ReceiptRepository is the receive-side replay index.
type ReceiptRepository interface {
	// Create records that (channel_id, sequence) was received. Returns
	// domain.ErrReplay when the receipt already exists.
	Create(ctx context.Context, channelID string, sequence uint64) error

	// Exists reports whether a receipt is present.
	Exists(ctx context.Context, channelID string, sequence uint64) (bool, error)
}

// EscrowRepository tracks per-asset escrow and accumulated fees.
type EscrowRepository interface {
	// Balance returns the escrowed amount for an asset.
	Balance(ctx context.Context, assetID string) (uint64, error)

	// Credit adds to an asset's escrow.
	Credit(ctx context.Context, assetID string, amount uint64) error

	// Debit removes from an asset's escrow. Returns
	// domain.ErrInsufficientFunds when the balance is too low.
	Debit(ctx context.Context, assetID string, amount uint64) error

	// AddFee accumulates collected fees for an asset.
	AddFee(ctx context.Context, assetID string, amount uint64) error

	// FeeBalance returns the accumulated fees for an asset.
	FeeBalance(ctx context.Context, assetID string) (uint64, error)

	// TotalLocked returns the sum of all escrow balances (TVL).
	TotalLocked(ctx context.Context) (uint64, error)
}

// AssetRepository handles the supported-asset registry.
type AssetRepository interface {
	// Register persists asset metadata, overwriting an existing entry.
	Register(ctx context.Context, md *domain.AssetMetadata) error

	// Get retrieves asset metadata. Returns domain.ErrNotFound.
	Get(ctx context.Context, assetID string) (*domain.AssetMetadata, error)

	// List retrieves all registered assets.
	List(ctx context.Context) ([]*domain.AssetMetadata, error)
}

// AuditRepository stores governor transition records.
type AuditRepository interface {
	// Append persists an audit record.
	Append(ctx context.Context, rec *domain.AuditRecord) error

	// List retrieves all audit records, oldest first.
	List(ctx context.Context) ([]*domain.AuditRecord, error)
}
