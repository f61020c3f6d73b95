// Package registry resolves chains, blocks and transactions, and seeds
// the dimension tables (chain, protocol_system) that every other
// component references by foreign key. Enum-like lookups follow the
// same pattern as obsrvr-lake/stellar-postgres-ingester/go/main.go,
// where a small set of reference rows is loaded once at startup into
// an in-memory cache instead of being joined on every query.
package registry

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withobsrvr/chainstate/internal/models"
	"github.com/withobsrvr/chainstate/internal/storeerr"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// Registry resolves chain/block/transaction identity and caches the
// dimension tables seeded by SeedEnums.
type Registry struct {
	pool *pgxpool.Pool

	chains          map[string]int64
	protocolSystems map[string]int64
}

// New constructs a Registry bound to pool. Call SeedEnums before using
// ChainID/ProtocolSystemID.
func New(pool *pgxpool.Pool) *Registry {
	return &Registry{
		pool:            pool,
		chains:          map[string]int64{},
		protocolSystems: map[string]int64{},
	}
}

// SeedEnums inserts any chain/protocol_system names not already present
// (ON CONFLICT DO NOTHING) and then loads the full table into the
// Registry's read-only caches, so callers never need a query to
// translate a chain or protocol system name into its surrogate key.
func (r *Registry) SeedEnums(ctx context.Context, chains, protocolSystems []string) error {
	for _, name := range chains {
		if _, err := r.pool.Exec(ctx,
			"INSERT INTO chain (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", name); err != nil {
			return fmt.Errorf("registry: seed chain %s: %w", name, err)
		}
	}
	for _, name := range protocolSystems {
		if _, err := r.pool.Exec(ctx,
			"INSERT INTO protocol_system (name) VALUES ($1) ON CONFLICT (name) DO NOTHING", name); err != nil {
			return fmt.Errorf("registry: seed protocol_system %s: %w", name, err)
		}
	}

	if err := r.loadCache(ctx, "chain", r.chains); err != nil {
		return err
	}
	if err := r.loadCache(ctx, "protocol_system", r.protocolSystems); err != nil {
		return err
	}
	return nil
}

func (r *Registry) loadCache(ctx context.Context, table string, into map[string]int64) error {
	rows, err := r.pool.Query(ctx, fmt.Sprintf("SELECT id, name FROM %s", table))
	if err != nil {
		return fmt.Errorf("registry: load %s cache: %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return fmt.Errorf("registry: scan %s row: %w", table, err)
		}
		into[name] = id
	}
	return rows.Err()
}

// ChainID returns the surrogate key for a chain name previously passed
// to SeedEnums.
func (r *Registry) ChainID(name string) (int64, error) {
	id, ok := r.chains[name]
	if !ok {
		return 0, storeerr.NotFoundf("chain", name)
	}
	return id, nil
}

// ProtocolSystemID returns the surrogate key for a protocol system name
// previously passed to SeedEnums.
func (r *Registry) ProtocolSystemID(name string) (int64, error) {
	id, ok := r.protocolSystems[name]
	if !ok {
		return 0, storeerr.NotFoundf("protocol_system", name)
	}
	return id, nil
}

// ResolveBlock resolves a models.BlockIdentifier to a concrete Block
// row. BlockIdentifierTimestamp has no single matching block and is
// rejected with storeerr.Unsupported - callers needing a timestamp
// boundary should use models.AtTimestamp only via ResolveVersionTimestamp, which
// treats it as a bare cutoff rather than a row lookup.
func ResolveBlock(ctx context.Context, q Querier, id models.BlockIdentifier) (*models.Block, error) {
	var query sq.SelectBuilder
	switch id.Kind {
	case models.BlockIdentifierHash:
		// chain_id is always included even though (chain_id, hash) is the
		// unique constraint: nothing stops two chains sharing a hash value,
		// so a hash alone is not a safe lookup key.
		query = psql.Select("id", "chain_id", "hash", "parent_hash", "number", "ts", "main").
			From("block").
			Where(sq.Eq{"chain_id": id.ChainID, "hash": id.Hash})
	case models.BlockIdentifierNumber:
		query = psql.Select("id", "chain_id", "hash", "parent_hash", "number", "ts", "main").
			From("block").
			Where(sq.Eq{"chain_id": id.ChainID, "number": id.Number, "main": true})
	case models.BlockIdentifierLatest:
		query = psql.Select("id", "chain_id", "hash", "parent_hash", "number", "ts", "main").
			From("block").
			Where(sq.Eq{"chain_id": id.ChainID, "main": true}).
			OrderBy("number DESC").
			Limit(1)
	default:
		return nil, storeerr.Unsupportedf("ResolveBlock: identifier kind %d", id.Kind)
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("registry: build block query: %w", err)
	}

	var b models.Block
	err = q.QueryRow(ctx, sqlStr, args...).Scan(&b.ID, &b.ChainID, &b.Hash, &b.ParentHash, &b.Number, &b.Ts, &b.Main)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, storeerr.NotFoundf("block", describeBlockIdentifier(id))
		}
		return nil, fmt.Errorf("registry: resolve block: %w", err)
	}
	return &b, nil
}

// ResolveVersionTimestamp turns a models.Version into the timestamp
// cutoff used by point-in-time queries: VersionKindLast resolves to the
// identified block's own Ts for block-shaped identifiers, or the bare
// timestamp for BlockIdentifierTimestamp. VersionKindFirst is rejected;
// it has no defined meaning in this engine.
func ResolveVersionTimestamp(ctx context.Context, q Querier, v *models.Version) (models.BlockIdentifier, error) {
	if v == nil {
		return models.BlockIdentifier{}, nil
	}
	if v.Kind != models.VersionKindLast {
		return models.BlockIdentifier{}, storeerr.Unsupportedf("version kind %q", v.Kind)
	}
	if v.At.Kind == models.BlockIdentifierTimestamp {
		return v.At, nil
	}
	b, err := ResolveBlock(ctx, q, v.At)
	if err != nil {
		return models.BlockIdentifier{}, err
	}
	return models.AtTimestamp(b.Ts), nil
}

func describeBlockIdentifier(id models.BlockIdentifier) string {
	switch id.Kind {
	case models.BlockIdentifierHash:
		return fmt.Sprintf("hash=%x chain=%d", id.Hash, id.ChainID)
	case models.BlockIdentifierNumber:
		return fmt.Sprintf("number=%d chain=%d", id.Number, id.ChainID)
	case models.BlockIdentifierLatest:
		return fmt.Sprintf("latest chain=%d", id.ChainID)
	default:
		return fmt.Sprintf("ts=%s", id.Ts)
	}
}

// ResolveTxByHash finds the Transaction row for hash, failing with
// storeerr.NotFound when no transaction has that hash (callers that
// know which row needed the tx report it as NoRelatedEntity with that
// context).
func ResolveTxByHash(ctx context.Context, q Querier, hash []byte) (*models.Transaction, error) {
	sqlStr, args, err := psql.Select("id", "block_id", "hash", "index", `"from"`, `"to"`).
		From("transaction").
		Where(sq.Eq{"hash": hash}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("registry: build tx query: %w", err)
	}

	var t models.Transaction
	err = q.QueryRow(ctx, sqlStr, args...).Scan(&t.ID, &t.BlockID, &t.Hash, &t.Index, &t.From, &t.To)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, storeerr.NotFoundf("transaction", fmt.Sprintf("%x", hash))
		}
		return nil, fmt.Errorf("registry: resolve transaction: %w", err)
	}
	return &t, nil
}

// TxRef is the (tx_id, tx.index, block.ts) triple every write-path
// operation needs once it has resolved a transaction hash: the
// surrogate key to store as modify_tx, the intra-block ordinal used to
// order same-block writes, and the block timestamp used as valid_from.
type TxRef struct {
	TxID      int64
	TxIndex   int64
	BlockID   int64
	BlockHash []byte
	BlockTs   time.Time
}

// ResolveTxWithBlock resolves a transaction hash to its TxRef in a
// single joined query, so callers never issue a separate block lookup
// after resolving the transaction.
func ResolveTxWithBlock(ctx context.Context, q Querier, hash []byte) (*TxRef, error) {
	sqlStr, args, err := psql.Select("t.id", "t.index", "t.block_id", "b.hash", "b.ts").
		From("transaction t").
		Join("block b ON b.id = t.block_id").
		Where(sq.Eq{"t.hash": hash}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("registry: build tx+block query: %w", err)
	}

	var ref TxRef
	err = q.QueryRow(ctx, sqlStr, args...).Scan(&ref.TxID, &ref.TxIndex, &ref.BlockID, &ref.BlockHash, &ref.BlockTs)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, storeerr.NotFoundf("transaction", fmt.Sprintf("%x", hash))
		}
		return nil, fmt.Errorf("registry: resolve transaction with block: %w", err)
	}
	return &ref, nil
}

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting every
// resolution helper run either standalone or inside a caller's
// transaction.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}
