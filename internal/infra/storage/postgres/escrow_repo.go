package postgres

import (
	"context"
	"fmt"

	"github.com/vietddude/bridge/internal/core/domain"
)

// EscrowRepo implements storage.EscrowRepository using PostgreSQL. Debit
// guards the balance inside the UPDATE predicate so a concurrent debit can
// never drive an escrow account negative.
type EscrowRepo struct {
	db *DB
}

// NewEscrowRepo creates a new PostgreSQL escrow repository.
func NewEscrowRepo(db *DB) *EscrowRepo {
	return &EscrowRepo{db: db}
}

// Balance returns the escrowed amount for an asset. A missing row is zero.
func (r *EscrowRepo) Balance(ctx context.Context, assetID string) (uint64, error) {
	query := `SELECT COALESCE((SELECT balance FROM escrow_accounts WHERE asset_id = $1), 0)`

	var balance int64
	if err := r.db.GetContext(ctx, &balance, query, assetID); err != nil {
		return 0, fmt.Errorf("failed to get escrow balance: %w", err)
	}
	return uint64(balance), nil
}

// Credit adds to an asset's escrow, creating the account on first use.
func (r *EscrowRepo) Credit(ctx context.Context, assetID string, amount uint64) error {
	query := `
		INSERT INTO escrow_accounts (asset_id, balance, fees)
		VALUES ($1, $2, 0)
		ON CONFLICT (asset_id) DO UPDATE SET balance = escrow_accounts.balance + EXCLUDED.balance
	`

	if _, err := r.db.ExecContext(ctx, query, assetID, int64(amount)); err != nil {
		return fmt.Errorf("failed to credit escrow: %w", err)
	}
	return nil
}

// Debit removes from an asset's escrow if the balance suffices.
func (r *EscrowRepo) Debit(ctx context.Context, assetID string, amount uint64) error {
	query := `
		UPDATE escrow_accounts
		SET balance = balance - $2
		WHERE asset_id = $1 AND balance >= $2
	`

	res, err := r.db.ExecContext(ctx, query, assetID, int64(amount))
	if err != nil {
		return fmt.Errorf("failed to debit escrow: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if affected == 0 {
		balance, berr := r.Balance(ctx, assetID)
		if berr != nil {
			return berr
		}
		return fmt.Errorf("%w: escrow for %s holds %d, need %d",
			domain.ErrInsufficientFunds, assetID, balance, amount)
	}
	return nil
}

// AddFee accumulates collected fees for an asset.
func (r *EscrowRepo) AddFee(ctx context.Context, assetID string, amount uint64) error {
	query := `
		INSERT INTO escrow_accounts (asset_id, balance, fees)
		VALUES ($1, 0, $2)
		ON CONFLICT (asset_id) DO UPDATE SET fees = escrow_accounts.fees + EXCLUDED.fees
	`

	if _, err := r.db.ExecContext(ctx, query, assetID, int64(amount)); err != nil {
		return fmt.Errorf("failed to add fee: %w", err)
	}
	return nil
}

// FeeBalance returns the accumulated fees for an asset.
func (r *EscrowRepo) FeeBalance(ctx context.Context, assetID string) (uint64, error) {
	query := `SELECT COALESCE((SELECT fees FROM escrow_accounts WHERE asset_id = $1), 0)`

	var fees int64
	if err := r.db.GetContext(ctx, &fees, query, assetID); err != nil {
		return 0, fmt.Errorf("failed to get fee balance: %w", err)
	}
	return uint64(fees), nil
}

// TotalLocked returns the sum of all escrow balances.
func (r *EscrowRepo) TotalLocked(ctx context.Context) (uint64, error) {
	query := `SELECT COALESCE(SUM(balance), 0) FROM escrow_accounts`

	var total int64
	if err := r.db.GetContext(ctx, &total, query); err != nil {
		return 0, fmt.Errorf("failed to sum escrow balances: %w", err)
	}
	return uint64(total), nil
}
