// Package versioning implements the bi-temporal versioning primitives
// shared by every gateway: closing superseded rows on insert of a new
// version, filling previous_value on delta-versioned rows, and batching
// the resulting valid_to update into a single VALUES-driven UPDATE
// statement rather than one round trip per row.
package versioning

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// Row is the minimal shape apply_versioning needs: an entity key to group
// by, a valid_from to order within that group, and a mutable valid_to.
type Row[K comparable] interface {
	EntityKey() K
	ValidFrom() time.Time
	SetValidTo(time.Time)
}

// DeltaRow additionally exposes the current value and lets the caller set
// previous_value, per the delta-versioned tables (contract_storage,
// protocol_state, component_balance).
type DeltaRow[K comparable] interface {
	Row[K]
	Value() []byte
	SetPreviousValue([]byte)
}

// OpenRow describes an entity's currently-open (valid_to IS NULL) row as
// stored in the database: enough to target it with the batched UPDATE and,
// for delta rows, to seed the first new row's previous_value.
type OpenRow[K comparable] struct {
	PK    int64
	Key   K
	Value []byte // only meaningful for delta-versioned tables
}

// Lookup fetches the currently-open row (if any) for each of the given
// entity keys. Implementations live next to their ORM/table definitions
// (contractgw, protocolgw); versioning only depends on this contract.
type Lookup[K comparable] func(ctx context.Context, keys []K) ([]OpenRow[K], error)

// ApplyVersioning closes adjacent rows in newRows that share an entity
// key (in ascending (entity_id, valid_from, ordinal) order, which the
// caller must guarantee), then looks up and closes each entity's
// currently-open database row in a single batched UPDATE.
//
// Precondition: newRows is sorted ascending by (entity_id, valid_from,
// ordinal) - violating this is a programmer error, not a storage error.
func ApplyVersioning[K comparable](ctx context.Context, tx pgx.Tx, table string, newRows []Row[K], lookup Lookup[K]) error {
	if len(newRows) == 0 {
		return nil
	}
	firstOfEntity := closeAdjacent(newRows)
	keys := make([]K, 0, len(firstOfEntity))
	for k := range firstOfEntity {
		keys = append(keys, k)
	}
	open, err := lookup(ctx, keys)
	if err != nil {
		return fmt.Errorf("versioning: lookup open rows: %w", err)
	}
	return batchUpdateValidTo(ctx, tx, table, open, toValidToMap(firstOfEntity, newRows))
}

// ApplyDeltaVersioning is ApplyVersioning plus setting previous_value on
// every new row from the preceding version of the same entity - either
// the prior row in this batch, or (for the first row of each entity) the
// row that's currently open in the database.
func ApplyDeltaVersioning[K comparable](ctx context.Context, tx pgx.Tx, table string, newRows []DeltaRow[K], lookup Lookup[K]) error {
	if len(newRows) == 0 {
		return nil
	}
	rows := make([]Row[K], len(newRows))
	for i, r := range newRows {
		rows[i] = r
	}
	firstOfEntity := closeAdjacentDelta(newRows)

	keys := make([]K, 0, len(firstOfEntity))
	for k := range firstOfEntity {
		keys = append(keys, k)
	}
	open, err := lookup(ctx, keys)
	if err != nil {
		return fmt.Errorf("versioning: lookup open rows: %w", err)
	}
	openByKey := make(map[K]OpenRow[K], len(open))
	for _, o := range open {
		openByKey[o.Key] = o
	}
	for k, idx := range firstOfEntity {
		if o, ok := openByKey[k]; ok {
			newRows[idx].SetPreviousValue(o.Value)
		}
	}
	return batchUpdateValidTo(ctx, tx, table, open, toValidToMap(firstOfEntity, rows))
}

// closeAdjacent walks newRows once, setting valid_to on every row that is
// immediately superseded by the next row sharing its entity key. It
// returns, per entity key, the index of the first (earliest valid_from)
// row for that entity - the one whose valid_from becomes the new
// "open version" boundary for the currently-stored row.
func closeAdjacent[K comparable](rows []Row[K]) map[K]int {
	firstOfEntity := map[K]int{rows[0].EntityKey(): 0}
	for i := 0; i < len(rows)-1; i++ {
		current, next := rows[i], rows[i+1]
		if current.EntityKey() == next.EntityKey() {
			current.SetValidTo(next.ValidFrom())
		} else {
			firstOfEntity[next.EntityKey()] = i + 1
		}
	}
	return firstOfEntity
}

func closeAdjacentDelta[K comparable](rows []DeltaRow[K]) map[K]int {
	firstOfEntity := map[K]int{rows[0].EntityKey(): 0}
	for i := 0; i < len(rows)-1; i++ {
		current, next := rows[i], rows[i+1]
		if current.EntityKey() == next.EntityKey() {
			current.SetValidTo(next.ValidFrom())
			next.SetPreviousValue(current.Value())
		} else {
			firstOfEntity[next.EntityKey()] = i + 1
		}
	}
	return firstOfEntity
}

func toValidToMap[K comparable](firstOfEntity map[K]int, rows []Row[K]) map[K]time.Time {
	out := make(map[K]time.Time, len(firstOfEntity))
	for k, idx := range firstOfEntity {
		out[k] = rows[idx].ValidFrom()
	}
	return out
}

// batchUpdateValidTo issues a single
//
//	UPDATE <table> AS t SET valid_to = m.valid_to
//	FROM (VALUES ($1,$2), ($3,$4), ...) AS m(id, valid_to)
//	WHERE t.id = m.id
//
// statement, binding 2*len(open) parameters, rather than one UPDATE per
// row. squirrel has no first-class VALUES-clause support, so the
// statement and its numbered placeholders are composed by hand.
func batchUpdateValidTo[K comparable](ctx context.Context, tx pgx.Tx, table string, open []OpenRow[K], validTo map[K]time.Time) error {
	if len(open) == 0 {
		return nil
	}
	args := make([]any, 0, len(open)*2)
	valueTuples := make([]string, 0, len(open))
	for i, o := range open {
		vt, ok := validTo[o.Key]
		if !ok {
			return fmt.Errorf("versioning: no new valid_to computed for entity key that has an open row")
		}
		p1, p2 := i*2+1, i*2+2
		valueTuples = append(valueTuples, fmt.Sprintf("($%d, $%d)", p1, p2))
		args = append(args, o.PK, vt)
	}
	query := fmt.Sprintf(
		`UPDATE %s AS t SET valid_to = m.valid_to FROM (VALUES %s) AS m(id, valid_to) WHERE t.id = m.id`,
		table, joinComma(valueTuples),
	)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("versioning: batched valid_to update on %s: %w", table, err)
	}
	return nil
}

func joinComma(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}

// PointInTimeQuery builds the canonical single-entity time-travel
// selection:
//
//	SELECT DISTINCT ON (entity_key) *
//	  FROM <table> t
//	 WHERE <entity filter> AND t.valid_from <= $ts
//	   AND (t.valid_to > $ts OR t.valid_to IS NULL)
//	 ORDER BY entity_key, t.valid_from DESC, <tiebreak>
//
// distinctOn and orderBy must name the same columns (entity key first)
// for DISTINCT ON to pick the intended "latest write" row. columns is
// the projection. tiebreak names the column that orders same-valid_from
// writes within a block - callers whose table records its own intra-
// block ordinal (e.g. "cs.ordinal DESC") pass that; callers relying on
// the owning transaction's position pass "tx.index DESC" and join
// transaction after this call returns, since squirrel's SelectBuilder
// composes via further chaining.
func PointInTimeQuery(table, alias string, columns, distinctOn []string, tiebreak string, ts time.Time) sq.SelectBuilder {
	orderBy := make([]string, 0, len(distinctOn)+2)
	orderBy = append(orderBy, distinctOn...)
	orderBy = append(orderBy, alias+".valid_from DESC", tiebreak)
	return sq.StatementBuilder.PlaceholderFormat(sq.Dollar).
		Select(columns...).
		From(fmt.Sprintf("%s AS %s", table, alias)).
		Distinct().Options("ON (" + joinComma(distinctOn) + ")").
		Where(sq.LtOrEq{alias + ".valid_from": ts}).
		Where(sq.Or{sq.Gt{alias + ".valid_to": ts}, sq.Eq{alias + ".valid_to": nil}}).
		OrderBy(orderBy...)
}
