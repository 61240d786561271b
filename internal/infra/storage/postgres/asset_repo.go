package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/vietddude/bridge/internal/core/domain"
)

// AssetRepo implements storage.AssetRepository using PostgreSQL.
type AssetRepo struct {
	db *DB
}

// NewAssetRepo creates a new PostgreSQL asset repository.
func NewAssetRepo(db *DB) *AssetRepo {
	return &AssetRepo{db: db}
}

type assetRow struct {
	AssetID     string `db:"asset_id"`
	Name        string `db:"name"`
	Symbol      string `db:"symbol"`
	Decimals    int16  `db:"decimals"`
	NativeChain string `db:"native_chain"`
}

func (r *assetRow) toDomain() *domain.AssetMetadata {
	return &domain.AssetMetadata{
		AssetID:     r.AssetID,
		Name:        r.Name,
		Symbol:      r.Symbol,
		Decimals:    uint8(r.Decimals),
		NativeChain: domain.ChainID(r.NativeChain),
	}
}

// Register persists asset metadata, overwriting an existing entry.
func (r *AssetRepo) Register(ctx context.Context, md *domain.AssetMetadata) error {
	query := `
		INSERT INTO assets (asset_id, name, symbol, decimals, native_chain)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (asset_id) DO UPDATE SET
			name = EXCLUDED.name,
			symbol = EXCLUDED.symbol,
			decimals = EXCLUDED.decimals,
			native_chain = EXCLUDED.native_chain
	`

	_, err := r.db.ExecContext(ctx, query,
		md.AssetID,
		md.Name,
		md.Symbol,
		int16(md.Decimals),
		string(md.NativeChain),
	)
	if err != nil {
		return fmt.Errorf("failed to register asset: %w", err)
	}
	return nil
}

// Get retrieves asset metadata.
func (r *AssetRepo) Get(ctx context.Context, assetID string) (*domain.AssetMetadata, error) {
	query := `SELECT asset_id, name, symbol, decimals, native_chain FROM assets WHERE asset_id = $1`

	var row assetRow
	err := r.db.GetContext(ctx, &row, query, assetID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: asset %s", domain.ErrNotFound, assetID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}
	return row.toDomain(), nil
}

// List retrieves all registered assets.
func (r *AssetRepo) List(ctx context.Context) ([]*domain.AssetMetadata, error) {
	query := `SELECT asset_id, name, symbol, decimals, native_chain FROM assets ORDER BY asset_id`

	var rows []assetRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to list assets: %w", err)
	}

	out := make([]*domain.AssetMetadata, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}
