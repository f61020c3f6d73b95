// Package extraction stores the durable cursor and attribute bag each
// upstream extractor uses to resume after a crash, grounded on the
// teacher's stellar-postgres-ingester/go/checkpoint.go file-backed
// checkpoint concept - generalized here into a queryable Postgres row
// per (extractor name, chain) instead of a local file, since a single
// storage engine may back several extractor processes.
package extraction

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/withobsrvr/chainstate/internal/models"
	"github.com/withobsrvr/chainstate/internal/registry"
	"github.com/withobsrvr/chainstate/internal/storeerr"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Gateway implements the extraction-state store.
type Gateway struct{}

// New constructs an extraction-state Gateway.
func New() *Gateway { return &Gateway{} }

// UpsertForm is the input to Upsert: a cursor/attribute bag for one
// named extractor on one chain.
type UpsertForm struct {
	Name       string
	Version    string
	ChainID    int64
	Cursor     []byte
	Attributes []byte // JSON, optional
}

// Get returns the extraction state for (name, chain), or a NotFound
// error if it has never been written.
func (g *Gateway) Get(ctx context.Context, q registry.Querier, name string, chainID int64) (*models.ExtractionState, error) {
	sqlStr, args, err := psql.Select("id", "name", "version", "chain_id", "cursor", "attributes").
		From("extraction_state").
		Where(sq.Eq{"name": name, "chain_id": chainID}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("extraction: build get query: %w", err)
	}

	var s models.ExtractionState
	err = q.QueryRow(ctx, sqlStr, args...).Scan(&s.ID, &s.Name, &s.Version, &s.ChainID, &s.Cursor, &s.Attributes)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, storeerr.NotFoundf("extraction_state", fmt.Sprintf("%s/%d", name, chainID))
		}
		return nil, fmt.Errorf("extraction: get state: %w", err)
	}
	return &s, nil
}

// Upsert inserts or updates the (name, chain) extraction state row.
func (g *Gateway) Upsert(ctx context.Context, q registry.Querier, form UpsertForm) error {
	sqlStr, args, err := psql.Insert("extraction_state").
		Columns("name", "version", "chain_id", "cursor", "attributes").
		Values(form.Name, form.Version, form.ChainID, form.Cursor, form.Attributes).
		Suffix(`ON CONFLICT (name, chain_id) DO UPDATE SET
			version = EXCLUDED.version, cursor = EXCLUDED.cursor, attributes = EXCLUDED.attributes`).
		ToSql()
	if err != nil {
		return fmt.Errorf("extraction: build upsert: %w", err)
	}
	if _, err := q.Exec(ctx, sqlStr, args...); err != nil {
		return storeerr.FromPgError(err, "extraction_state")
	}
	return nil
}
