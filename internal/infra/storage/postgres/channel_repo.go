package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vietddude/bridge/internal/core/domain"
)

// ChannelRepo implements storage.ChannelRepository using PostgreSQL. The
// send sequence is a column on the channel row; NextSequence increments it
// in a single UPDATE ... RETURNING so concurrent senders never collide.
type ChannelRepo struct {
	db *DB
}

// NewChannelRepo creates a new PostgreSQL channel repository.
func NewChannelRepo(db *DB) *ChannelRepo {
	return &ChannelRepo{db: db}
}

type channelRow struct {
	ChannelID           string `db:"channel_id"`
	PortID              string `db:"port_id"`
	CounterpartyChannel string `db:"counterparty_channel_id"`
	State               string `db:"state"`
	TimeoutMode         string `db:"timeout_mode"`
	TimeoutDelta        int64  `db:"timeout_delta"`
	CreatedAt           int64  `db:"created_at"`
}

func (r *channelRow) toDomain() *domain.Channel {
	return &domain.Channel{
		ChannelID:           r.ChannelID,
		PortID:              r.PortID,
		CounterpartyChannel: r.CounterpartyChannel,
		State:               domain.ChannelState(r.State),
		TimeoutMode:         domain.TimeoutMode(r.TimeoutMode),
		TimeoutDelta:        uint64(r.TimeoutDelta),
		CreatedAt:           r.CreatedAt,
	}
}

// Create persists a new channel.
func (r *ChannelRepo) Create(ctx context.Context, ch *domain.Channel) error {
	query := `
		INSERT INTO channels (channel_id, port_id, counterparty_channel_id, state, timeout_mode, timeout_delta, next_sequence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7)
	`

	_, err := r.db.ExecContext(ctx, query,
		ch.ChannelID,
		ch.PortID,
		ch.CounterpartyChannel,
		string(ch.State),
		string(ch.TimeoutMode),
		int64(ch.TimeoutDelta),
		ch.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: channel %s already exists", domain.ErrReplay, ch.ChannelID)
	}
	if err != nil {
		return fmt.Errorf("failed to create channel: %w", err)
	}
	return nil
}

// Get retrieves a channel by id.
func (r *ChannelRepo) Get(ctx context.Context, channelID string) (*domain.Channel, error) {
	query := `
		SELECT channel_id, port_id, counterparty_channel_id, state, timeout_mode, timeout_delta, created_at
		FROM channels
		WHERE channel_id = $1
	`

	var row channelRow
	err := r.db.GetContext(ctx, &row, query, channelID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: channel %s", domain.ErrNotFound, channelID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return row.toDomain(), nil
}

// UpdateStateIf transitions channel state conditionally.
func (r *ChannelRepo) UpdateStateIf(ctx context.Context, channelID string, expected, next domain.ChannelState) error {
	query := `UPDATE channels SET state = $1 WHERE channel_id = $2 AND state = $3`

	res, err := r.db.ExecContext(ctx, query, string(next), channelID, string(expected))
	if err != nil {
		return fmt.Errorf("failed to update channel state: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	var current string
	err = r.db.GetContext(ctx, &current, `SELECT state FROM channels WHERE channel_id = $1`, channelID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: channel %s", domain.ErrNotFound, channelID)
	}
	if err != nil {
		return fmt.Errorf("failed to get channel state: %w", err)
	}
	return fmt.Errorf("%w: channel %s is %s, expected %s",
		domain.ErrStateConflict, channelID, current, expected)
}

// NextSequence atomically increments and returns the send sequence.
func (r *ChannelRepo) NextSequence(ctx context.Context, channelID string) (uint64, error) {
	query := `
		UPDATE channels
		SET next_sequence = next_sequence + 1
		WHERE channel_id = $1
		RETURNING next_sequence
	`

	var seq int64
	err := r.db.GetContext(ctx, &seq, query, channelID)
	if err == sql.ErrNoRows {
		return 0, fmt.Errorf("%w: channel %s", domain.ErrNotFound, channelID)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}
	return uint64(seq), nil
}

// List retrieves all channels.
func (r *ChannelRepo) List(ctx context.Context) ([]*domain.Channel, error) {
	query := `
		SELECT channel_id, port_id, counterparty_channel_id, state, timeout_mode, timeout_delta, created_at
		FROM channels
		ORDER BY channel_id
	`

	var rows []channelRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	out := make([]*domain.Channel, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
