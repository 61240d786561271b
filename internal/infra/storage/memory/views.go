package memory

import (
	"context"

	"github.com/vietddude/bridge/internal/core/domain"
	"github.com/vietddude/bridge/internal/infra/storage"
)

// Per-repository views over the shared Store. Each view satisfies one
// storage interface; they all share the same mutex so cross-repository
// consistency matches a single-database deployment.

func (s *Store) Transactions() storage.TransactionRepository { return s }
func (s *Store) Channels() storage.ChannelRepository         { return channelView{s} }
func (s *Store) Commitments() storage.CommitmentRepository   { return commitmentView{s} }
func (s *Store) Receipts() storage.ReceiptRepository         { return receiptView{s} }
func (s *Store) Escrow() storage.EscrowRepository            { return s }
func (s *Store) Assets() storage.AssetRepository             { return assetView{s} }
func (s *Store) Audit() storage.AuditRepository              { return auditView{s} }

type channelView struct{ s *Store }

func (v channelView) Create(ctx context.Context, ch *domain.Channel) error {
	return v.s.CreateChannel(ctx, ch)
}

func (v channelView) Get(ctx context.Context, channelID string) (*domain.Channel, error) {
	return v.s.GetChannel(ctx, channelID)
}

func (v channelView) UpdateStateIf(ctx context.Context, channelID string, expected, next domain.ChannelState) error {
	return v.s.UpdateChannelStateIf(ctx, channelID, expected, next)
}

func (v channelView) NextSequence(ctx context.Context, channelID string) (uint64, error) {
	return v.s.NextSequence(ctx, channelID)
}

func (v channelView) List(ctx context.Context) ([]*domain.Channel, error) {
	return v.s.ListChannels(ctx)
}

type commitmentView struct{ s *Store }

func (v commitmentView) Create(ctx context.Context, c *domain.PacketCommitment) error {
	return v.s.CreateCommitment(ctx, c)
}

func (v commitmentView) Get(ctx context.Context, channelID string, sequence uint64) (*domain.PacketCommitment, error) {
	return v.s.GetCommitment(ctx, channelID, sequence)
}

func (v commitmentView) FinalizeIf(ctx context.Context, channelID string, sequence uint64, next domain.CommitmentState) error {
	return v.s.FinalizeIf(ctx, channelID, sequence, next)
}

type receiptView struct{ s *Store }

func (v receiptView) Create(ctx context.Context, channelID string, sequence uint64) error {
	return v.s.CreateReceipt(ctx, channelID, sequence)
}

func (v receiptView) Exists(ctx context.Context, channelID string, sequence uint64) (bool, error) {
	return v.s.ReceiptExists(ctx, channelID, sequence)
}

type assetView struct{ s *Store }

func (v assetView) Register(ctx context.Context, md *domain.AssetMetadata) error {
	return v.s.Register(ctx, md)
}

func (v assetView) Get(ctx context.Context, assetID string) (*domain.AssetMetadata, error) {
	return v.s.GetAsset(ctx, assetID)
}

func (v assetView) List(ctx context.Context) ([]*domain.AssetMetadata, error) {
	return v.s.ListAssets(ctx)
}

type auditView struct{ s *Store }

func (v auditView) Append(ctx context.Context, rec *domain.AuditRecord) error {
	return v.s.Append(ctx, rec)
}

func (v auditView) List(ctx context.Context) ([]*domain.AuditRecord, error) {
	return v.s.ListAudit(ctx)
}
