package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vietddude/bridge/internal/core/domain"
)

// TxRepo implements storage.TransactionRepository using PostgreSQL.
//
// The idempotency key carries a unique index, so Create doubles as the
// replay reservation. Signatures live in their own table with a unique
// (tx_id, validator_id) constraint; AppendSignature relies on
// ON CONFLICT DO NOTHING for the per-validator guarantee.
type TxRepo struct {
	db *DB
}

// NewTxRepo creates a new PostgreSQL transaction repository.
func NewTxRepo(db *DB) *TxRepo {
	return &TxRepo{db: db}
}

type txRow struct {
	ID             string `db:"id"`
	AssetID        string `db:"asset_id"`
	Amount         int64  `db:"amount"`
	FeeAmount      int64  `db:"fee_amount"`
	Direction      string `db:"direction"`
	SourceChain    string `db:"source_chain"`
	DestChain      string `db:"dest_chain"`
	SourceAddr     string `db:"source_addr"`
	DestAddr       string `db:"dest_addr"`
	Status         string `db:"status"`
	DestTxHash     string `db:"dest_tx_hash"`
	IdempotencyKey string `db:"idempotency_key"`
	Nonce          int64  `db:"nonce"`
	CreatedAt      int64  `db:"created_at"`
	UpdatedAt      int64  `db:"updated_at"`
}

func (r *txRow) toDomain() *domain.BridgeTransaction {
	return &domain.BridgeTransaction{
		ID:             r.ID,
		AssetID:        r.AssetID,
		Amount:         uint64(r.Amount),
		FeeAmount:      uint64(r.FeeAmount),
		Direction:      domain.TransferDirection(r.Direction),
		SourceChain:    domain.ChainID(r.SourceChain),
		DestChain:      domain.ChainID(r.DestChain),
		SourceAddr:     r.SourceAddr,
		DestAddr:       r.DestAddr,
		Status:         domain.TxStatus(r.Status),
		DestTxHash:     r.DestTxHash,
		IdempotencyKey: r.IdempotencyKey,
		Nonce:          uint64(r.Nonce),
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

type sigRow struct {
	ValidatorID string `db:"validator_id"`
	Algorithm   string `db:"algorithm"`
	Signature   []byte `db:"signature"`
	PayloadHash []byte `db:"payload_hash"`
}

const txColumns = `
	id, asset_id, amount, fee_amount, direction, source_chain, dest_chain,
	source_addr, dest_addr, status, dest_tx_hash, idempotency_key, nonce,
	created_at, updated_at
`

// Create persists a transaction and reserves its idempotency key.
func (r *TxRepo) Create(ctx context.Context, tx *domain.BridgeTransaction) error {
	query := `
		INSERT INTO bridge_transactions (` + txColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`

	_, err := r.db.ExecContext(ctx, query,
		tx.ID,
		tx.AssetID,
		int64(tx.Amount),
		int64(tx.FeeAmount),
		string(tx.Direction),
		string(tx.SourceChain),
		string(tx.DestChain),
		tx.SourceAddr,
		tx.DestAddr,
		string(tx.Status),
		tx.DestTxHash,
		tx.IdempotencyKey,
		int64(tx.Nonce),
		tx.CreatedAt,
		tx.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: idempotency key %s already used", domain.ErrReplay, tx.IdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

// Get retrieves a transaction with its signatures.
func (r *TxRepo) Get(ctx context.Context, id string) (*domain.BridgeTransaction, error) {
	query := `SELECT ` + txColumns + ` FROM bridge_transactions WHERE id = $1`

	var row txRow
	err := r.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}

	tx := row.toDomain()
	if err := r.loadSignatures(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func (r *TxRepo) loadSignatures(ctx context.Context, tx *domain.BridgeTransaction) error {
	query := `
		SELECT validator_id, algorithm, signature, payload_hash
		FROM bridge_signatures
		WHERE tx_id = $1
		ORDER BY validator_id
	`

	var rows []sigRow
	if err := r.db.SelectContext(ctx, &rows, query, tx.ID); err != nil {
		return fmt.Errorf("failed to load signatures: %w", err)
	}
	for _, s := range rows {
		tx.Signatures = append(tx.Signatures, domain.ValidatorSignature{
			ValidatorID: s.ValidatorID,
			Algorithm:   domain.AlgorithmTag(s.Algorithm),
			Signature:   s.Signature,
			PayloadHash: s.PayloadHash,
		})
	}
	return nil
}

// UpdateStatusIf transitions status only when the stored status matches.
func (r *TxRepo) UpdateStatusIf(ctx context.Context, id string, expected, next domain.TxStatus) error {
	query := `
		UPDATE bridge_transactions
		SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4
	`

	res, err := r.db.ExecContext(ctx, query, string(next), time.Now().Unix(), id, string(expected))
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// Distinguish a lost race from a missing row.
	var current string
	err = r.db.GetContext(ctx, &current, `SELECT status FROM bridge_transactions WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to get transaction status: %w", err)
	}
	return fmt.Errorf("%w: transaction %s is %s, expected %s",
		domain.ErrStateConflict, id, current, expected)
}

// AppendSignature adds a signature unless the validator already signed.
func (r *TxRepo) AppendSignature(ctx context.Context, id string, sig domain.ValidatorSignature) (bool, error) {
	query := `
		INSERT INTO bridge_signatures (tx_id, validator_id, algorithm, signature, payload_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tx_id, validator_id) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, query,
		id,
		sig.ValidatorID,
		string(sig.Algorithm),
		sig.Signature,
		sig.PayloadHash,
	)
	if err != nil {
		return false, fmt.Errorf("failed to append signature: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return affected == 1, nil
}

// SetDestTxHash records the destination chain transaction hash.
func (r *TxRepo) SetDestTxHash(ctx context.Context, id string, hash string) error {
	query := `UPDATE bridge_transactions SET dest_tx_hash = $1, updated_at = $2 WHERE id = $3`
	res, err := r.db.ExecContext(ctx, query, hash, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to set dest tx hash: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	return nil
}

// ListByStatus retrieves all transactions in a status, oldest first.
func (r *TxRepo) ListByStatus(ctx context.Context, status domain.TxStatus) ([]*domain.BridgeTransaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM bridge_transactions
		WHERE status = $1
		ORDER BY created_at ASC
	`
	return r.list(ctx, query, string(status))
}

// ListCollectingBefore retrieves signature-collecting transactions created
// at or before the cutoff.
func (r *TxRepo) ListCollectingBefore(ctx context.Context, cutoff int64) ([]*domain.BridgeTransaction, error) {
	query := `
		SELECT ` + txColumns + `
		FROM bridge_transactions
		WHERE status = $1 AND created_at <= $2
		ORDER BY created_at ASC
	`
	return r.list(ctx, query, string(domain.TxStatusCollecting), cutoff)
}

func (r *TxRepo) list(ctx context.Context, query string, args ...any) ([]*domain.BridgeTransaction, error) {
	var rows []txRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	out := make([]*domain.BridgeTransaction, 0, len(rows))
	for i := range rows {
		tx := rows[i].toDomain()
		if err := r.loadSignatures(ctx, tx); err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// CountByStatus returns transaction counts keyed by status.
func (r *TxRepo) CountByStatus(ctx context.Context) (map[domain.TxStatus]int, error) {
	query := `SELECT status, COUNT(*) AS n FROM bridge_transactions GROUP BY status`

	rows, err := r.db.QueryxContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count transactions: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.TxStatus]int)
	for rows.Next() {
		var row struct {
			Status string `db:"status"`
			N      int    `db:"n"`
		}
		if err := rows.StructScan(&row); err != nil {
			return nil, err
		}
		counts[domain.TxStatus(row.Status)] = row.N
	}
	return counts, rows.Err()
}
