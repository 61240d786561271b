package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vietddude/bridge/internal/core/domain"
)

// CommitmentRepo implements storage.CommitmentRepository using PostgreSQL.
type CommitmentRepo struct {
	db *DB
}

// NewCommitmentRepo creates a new PostgreSQL commitment repository.
func NewCommitmentRepo(db *DB) *CommitmentRepo {
	return &CommitmentRepo{db: db}
}

type commitmentRow struct {
	ChannelID string `db:"channel_id"`
	Sequence  int64  `db:"sequence"`
	Hash      []byte `db:"hash"`
	State     string `db:"state"`
	CreatedAt int64  `db:"created_at"`
}

func (r *commitmentRow) toDomain() *domain.PacketCommitment {
	return &domain.PacketCommitment{
		ChannelID: r.ChannelID,
		Sequence:  uint64(r.Sequence),
		Hash:      r.Hash,
		State:     domain.CommitmentState(r.State),
		CreatedAt: r.CreatedAt,
	}
}

// Create persists a pending commitment.
func (r *CommitmentRepo) Create(ctx context.Context, c *domain.PacketCommitment) error {
	query := `
		INSERT INTO packet_commitments (channel_id, sequence, hash, state, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := r.db.ExecContext(ctx, query,
		c.ChannelID,
		int64(c.Sequence),
		c.Hash,
		string(c.State),
		c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: commitment %s/%d already exists",
			domain.ErrReplay, c.ChannelID, c.Sequence)
	}
	if err != nil {
		return fmt.Errorf("failed to create commitment: %w", err)
	}
	return nil
}

// Get retrieves a commitment by channel and sequence.
func (r *CommitmentRepo) Get(ctx context.Context, channelID string, sequence uint64) (*domain.PacketCommitment, error) {
	query := `
		SELECT channel_id, sequence, hash, state, created_at
		FROM packet_commitments
		WHERE channel_id = $1 AND sequence = $2
	`

	var row commitmentRow
	err := r.db.GetContext(ctx, &row, query, channelID, int64(sequence))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: commitment %s/%d", domain.ErrNotFound, channelID, sequence)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commitment: %w", err)
	}
	return row.toDomain(), nil
}

// FinalizeIf moves a pending commitment to a terminal state. The WHERE
// clause pins the pending state so acknowledge and timeout cannot both win.
func (r *CommitmentRepo) FinalizeIf(ctx context.Context, channelID string, sequence uint64, next domain.CommitmentState) error {
	query := `
		UPDATE packet_commitments
		SET state = $1
		WHERE channel_id = $2 AND sequence = $3 AND state = $4
	`

	res, err := r.db.ExecContext(ctx, query,
		string(next), channelID, int64(sequence), string(domain.CommitmentPending))
	if err != nil {
		return fmt.Errorf("failed to finalize commitment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var current string
	err = r.db.GetContext(ctx, &current,
		`SELECT state FROM packet_commitments WHERE channel_id = $1 AND sequence = $2`,
		channelID, int64(sequence))
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: commitment %s/%d", domain.ErrNotFound, channelID, sequence)
	}
	if err != nil {
		return fmt.Errorf("failed to get commitment state: %w", err)
	}
	return fmt.Errorf("%w: commitment %s/%d already %s",
		domain.ErrStateConflict, channelID, sequence, current)
}

// ReceiptRepo implements storage.ReceiptRepository using PostgreSQL.
type ReceiptRepo struct {
	db *DB
}

// NewReceiptRepo creates a new PostgreSQL receipt repository.
func NewReceiptRepo(db *DB) *ReceiptRepo {
	return &ReceiptRepo{db: db}
}

// Create records a packet receipt. The primary key on (channel_id, sequence)
// makes the insert the replay check.
func (r *ReceiptRepo) Create(ctx context.Context, channelID string, sequence uint64) error {
	query := `INSERT INTO packet_receipts (channel_id, sequence) VALUES ($1, $2)`

	_, err := r.db.ExecContext(ctx, query, channelID, int64(sequence))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: packet %s/%d already received", domain.ErrReplay, channelID, sequence)
	}
	if err != nil {
		return fmt.Errorf("failed to create receipt: %w", err)
	}
	return nil
}

// Exists reports whether a receipt is present.
func (r *ReceiptRepo) Exists(ctx context.Context, channelID string, sequence uint64) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM packet_receipts WHERE channel_id = $1 AND sequence = $2)`

	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, channelID, int64(sequence)); err != nil {
		return false, fmt.Errorf("failed to check receipt: %w", err)
	}
	return exists, nil
}
