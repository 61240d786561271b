// Package memory provides in-memory repository implementations backed by
// mutex-guarded maps. Used by tests and by deployments without Postgres; the
// conditional-update semantics match the postgres implementations exactly.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/bridge/internal/core/domain"
)

func nowUnix() int64 { return time.Now().Unix() }

type Store struct {
	mu sync.Mutex

	txs     map[string]*domain.BridgeTransaction
	idemKey map[string]string // idempotency key -> transaction id

	channels  map[string]*domain.Channel
	sequences map[string]uint64

	commitments map[string]*domain.PacketCommitment
	receipts    map[string]struct{}

	escrow map[string]uint64
	fees   map[string]uint64

	assets map[string]*domain.AssetMetadata
	audit  []*domain.AuditRecord
}

func NewStore() *Store {
	return &Store{
		txs:         make(map[string]*domain.BridgeTransaction),
		idemKey:     make(map[string]string),
		channels:    make(map[string]*domain.Channel),
		sequences:   make(map[string]uint64),
		commitments: make(map[string]*domain.PacketCommitment),
		receipts:    make(map[string]struct{}),
		escrow:      make(map[string]uint64),
		fees:        make(map[string]uint64),
		assets:      make(map[string]*domain.AssetMetadata),
	}
}

func packetKey(channelID string, sequence uint64) string {
	return fmt.Sprintf("%s/%d", channelID, sequence)
}

func cloneTx(t *domain.BridgeTransaction) *domain.BridgeTransaction {
	cp := *t
	cp.Signatures = append([]domain.ValidatorSignature(nil), t.Signatures...)
	return &cp
}

// Transactions

func (s *Store) Create(ctx context.Context, tx *domain.BridgeTransaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.IdempotencyKey != "" {
		if existing, ok := s.idemKey[tx.IdempotencyKey]; ok {
			return fmt.Errorf("%w: idempotency key already used by %s", domain.ErrReplay, existing)
		}
	}
	if _, ok := s.txs[tx.ID]; ok {
		return fmt.Errorf("%w: transaction %s already exists", domain.ErrReplay, tx.ID)
	}
	s.txs[tx.ID] = cloneTx(tx)
	if tx.IdempotencyKey != "" {
		s.idemKey[tx.IdempotencyKey] = tx.ID
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.BridgeTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	return cloneTx(t), nil
}

func (s *Store) UpdateStatusIf(ctx context.Context, id string, expected, next domain.TxStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[id]
	if !ok {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	if t.Status != expected {
		return fmt.Errorf("%w: transaction %s is %s, expected %s",
			domain.ErrStateConflict, id, t.Status, expected)
	}
	t.Status = next
	t.UpdatedAt = nowUnix()
	return nil
}

func (s *Store) AppendSignature(ctx context.Context, id string, sig domain.ValidatorSignature) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[id]
	if !ok {
		return false, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	if t.HasSigner(sig.ValidatorID) {
		return false, nil
	}
	t.Signatures = append(t.Signatures, sig)
	t.UpdatedAt = nowUnix()
	return true, nil
}

func (s *Store) SetDestTxHash(ctx context.Context, id string, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[id]
	if !ok {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	t.DestTxHash = hash
	t.UpdatedAt = nowUnix()
	return nil
}

func (s *Store) ListByStatus(ctx context.Context, status domain.TxStatus) ([]*domain.BridgeTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.BridgeTransaction
	for _, t := range s.txs {
		if t.Status == status {
			out = append(out, cloneTx(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *Store) ListCollectingBefore(ctx context.Context, cutoff int64) ([]*domain.BridgeTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.BridgeTransaction
	for _, t := range s.txs {
		if t.Status == domain.TxStatusCollecting && t.CreatedAt <= cutoff {
			out = append(out, cloneTx(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt < out[j].CreatedAt })
	return out, nil
}

func (s *Store) CountByStatus(ctx context.Context) (map[domain.TxStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[domain.TxStatus]int)
	for _, t := range s.txs {
		counts[t.Status]++
	}
	return counts, nil
}

// Channels

func (s *Store) CreateChannel(ctx context.Context, ch *domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[ch.ChannelID]; ok {
		return fmt.Errorf("%w: channel %s already exists", domain.ErrReplay, ch.ChannelID)
	}
	cp := *ch
	s.channels[ch.ChannelID] = &cp
	return nil
}

func (s *Store) GetChannel(ctx context.Context, channelID string) (*domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("%w: channel %s", domain.ErrNotFound, channelID)
	}
	cp := *ch
	return &cp, nil
}

func (s *Store) UpdateChannelStateIf(ctx context.Context, channelID string, expected, next domain.ChannelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[channelID]
	if !ok {
		return fmt.Errorf("%w: channel %s", domain.ErrNotFound, channelID)
	}
	if ch.State != expected {
		return fmt.Errorf("%w: channel %s is %s, expected %s",
			domain.ErrStateConflict, channelID, ch.State, expected)
	}
	ch.State = next
	return nil
}

func (s *Store) NextSequence(ctx context.Context, channelID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[channelID]; !ok {
		return 0, fmt.Errorf("%w: channel %s", domain.ErrNotFound, channelID)
	}
	s.sequences[channelID]++
	return s.sequences[channelID], nil
}

func (s *Store) ListChannels(ctx context.Context) ([]*domain.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		cp := *ch
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out, nil
}

// Commitments

func (s *Store) CreateCommitment(ctx context.Context, c *domain.PacketCommitment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := packetKey(c.ChannelID, c.Sequence)
	if _, ok := s.commitments[key]; ok {
		return fmt.Errorf("%w: commitment %s already exists", domain.ErrReplay, key)
	}
	cp := *c
	cp.Hash = append([]byte(nil), c.Hash...)
	s.commitments[key] = &cp
	return nil
}

func (s *Store) GetCommitment(ctx context.Context, channelID string, sequence uint64) (*domain.PacketCommitment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commitments[packetKey(channelID, sequence)]
	if !ok {
		return nil, fmt.Errorf("%w: commitment %s/%d", domain.ErrNotFound, channelID, sequence)
	}
	cp := *c
	cp.Hash = append([]byte(nil), c.Hash...)
	return &cp, nil
}

func (s *Store) FinalizeIf(ctx context.Context, channelID string, sequence uint64, next domain.CommitmentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commitments[packetKey(channelID, sequence)]
	if !ok {
		return fmt.Errorf("%w: commitment %s/%d", domain.ErrNotFound, channelID, sequence)
	}
	if c.State != domain.CommitmentPending {
		return fmt.Errorf("%w: commitment %s/%d already %s",
			domain.ErrStateConflict, channelID, sequence, c.State)
	}
	c.State = next
	return nil
}

// Receipts

func (s *Store) CreateReceipt(ctx context.Context, channelID string, sequence uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := packetKey(channelID, sequence)
	if _, ok := s.receipts[key]; ok {
		return fmt.Errorf("%w: packet %s already received", domain.ErrReplay, key)
	}
	s.receipts[key] = struct{}{}
	return nil
}

func (s *Store) ReceiptExists(ctx context.Context, channelID string, sequence uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.receipts[packetKey(channelID, sequence)]
	return ok, nil
}

// Escrow

func (s *Store) Balance(ctx context.Context, assetID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.escrow[assetID], nil
}

func (s *Store) Credit(ctx context.Context, assetID string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escrow[assetID] += amount
	return nil
}

func (s *Store) Debit(ctx context.Context, assetID string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.escrow[assetID] < amount {
		return fmt.Errorf("%w: escrow for %s holds %d, need %d",
			domain.ErrInsufficientFunds, assetID, s.escrow[assetID], amount)
	}
	s.escrow[assetID] -= amount
	return nil
}

func (s *Store) AddFee(ctx context.Context, assetID string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fees[assetID] += amount
	return nil
}

func (s *Store) FeeBalance(ctx context.Context, assetID string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fees[assetID], nil
}

func (s *Store) TotalLocked(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uint64
	for _, v := range s.escrow {
		total += v
	}
	return total, nil
}

// Assets

func (s *Store) Register(ctx context.Context, md *domain.AssetMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *md
	s.assets[md.AssetID] = &cp
	return nil
}

func (s *Store) GetAsset(ctx context.Context, assetID string) (*domain.AssetMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	md, ok := s.assets[assetID]
	if !ok {
		return nil, fmt.Errorf("%w: asset %s", domain.ErrNotFound, assetID)
	}
	cp := *md
	return &cp, nil
}

func (s *Store) ListAssets(ctx context.Context) ([]*domain.AssetMetadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.AssetMetadata, 0, len(s.assets))
	for _, md := range s.assets {
		cp := *md
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AssetID < out[j].AssetID })
	return out, nil
}

// Audit

func (s *Store) Append(ctx context.Context, rec *domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Validators = append([]string(nil), rec.Validators...)
	cp.Signatures = append([]domain.ValidatorSignature(nil), rec.Signatures...)
	s.audit = append(s.audit, &cp)
	return nil
}

func (s *Store) ListAudit(ctx context.Context) ([]*domain.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.AuditRecord, 0, len(s.audit))
	for _, rec := range s.audit {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}
