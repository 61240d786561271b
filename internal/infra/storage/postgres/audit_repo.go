package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/vietddude/bridge/internal/core/domain"
)

// AuditRepo implements storage.AuditRepository using PostgreSQL. The
// validator set and signatures are stored as JSONB: audit records are
// written once and read back whole, never queried by field.
type AuditRepo struct {
	db *DB
}

// NewAuditRepo creates a new PostgreSQL audit repository.
func NewAuditRepo(db *DB) *AuditRepo {
	return &AuditRepo{db: db}
}

type auditRow struct {
	ID         string `db:"id"`
	Action     string `db:"action"`
	Nonce      int64  `db:"nonce"`
	Validators []byte `db:"validators"`
	Signatures []byte `db:"signatures"`
	Timestamp  int64  `db:"ts"`
}

// Append persists an audit record.
func (r *AuditRepo) Append(ctx context.Context, rec *domain.AuditRecord) error {
	validators, err := json.Marshal(rec.Validators)
	if err != nil {
		return fmt.Errorf("failed to marshal validators: %w", err)
	}
	signatures, err := json.Marshal(rec.Signatures)
	if err != nil {
		return fmt.Errorf("failed to marshal signatures: %w", err)
	}

	query := `
		INSERT INTO governor_audit (id, action, nonce, validators, signatures, ts)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err = r.db.ExecContext(ctx, query,
		rec.ID,
		string(rec.Action),
		int64(rec.Nonce),
		validators,
		signatures,
		rec.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}

// List retrieves all audit records, oldest first.
func (r *AuditRepo) List(ctx context.Context) ([]*domain.AuditRecord, error) {
	query := `SELECT id, action, nonce, validators, signatures, ts FROM governor_audit ORDER BY ts ASC`

	var rows []auditRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}

	out := make([]*domain.AuditRecord, 0, len(rows))
	for i := range rows {
		rec := &domain.AuditRecord{
			ID:        rows[i].ID,
			Action:    domain.GovernorAction(rows[i].Action),
			Nonce:     uint64(rows[i].Nonce),
			Timestamp: rows[i].Timestamp,
		}
		if err := json.Unmarshal(rows[i].Validators, &rec.Validators); err != nil {
			return nil, fmt.Errorf("failed to unmarshal validators: %w", err)
		}
		if err := json.Unmarshal(rows[i].Signatures, &rec.Signatures); err != nil {
			return nil, fmt.Errorf("failed to unmarshal signatures: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
