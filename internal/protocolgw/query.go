package protocolgw

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/withobsrvr/chainstate/internal/registry"
	"github.com/withobsrvr/chainstate/internal/storeerr"
	"github.com/withobsrvr/chainstate/internal/versioning"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// resolveComponentIDs batch-resolves a set of external ids scoped to
// chain, failing with NoRelatedEntity if any are unresolved.
func resolveComponentIDs(ctx context.Context, q registry.Querier, chainID int64, externalIDs []string) (map[string]int64, error) {
	if len(externalIDs) == 0 {
		return map[string]int64{}, nil
	}
	sqlStr, args, err := psql.Select("external_id", "id").From("protocol_component").
		Where(sq.Eq{"chain_id": chainID, "external_id": externalIDs}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("protocolgw: build component ids query: %w", err)
	}
	rows, err := q.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("protocolgw: query component ids: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var externalID string
		var id int64
		if err := rows.Scan(&externalID, &id); err != nil {
			return nil, fmt.Errorf("protocolgw: scan component id: %w", err)
		}
		out[externalID] = id
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range externalIDs {
		if _, ok := out[id]; !ok {
			return nil, storeerr.NoRelatedEntityf("ProtocolComponent", "protocol state update", id)
		}
	}
	return out, nil
}

// openStateLookup implements versioning.Lookup for protocol_state,
// keyed by (component_id, attribute_name).
func openStateLookup(q registry.Querier) versioning.Lookup[stateEntityKey] {
	return func(ctx context.Context, keys []stateEntityKey) ([]versioning.OpenRow[stateEntityKey], error) {
		if len(keys) == 0 {
			return nil, nil
		}
		or := make(sq.Or, 0, len(keys))
		for _, k := range keys {
			or = append(or, sq.Eq{"protocol_component_id": k.ComponentID, "attribute_name": k.AttributeName})
		}
		sqlStr, args, err := psql.Select("id", "protocol_component_id", "attribute_name", "attribute_value").
			From("protocol_state").
			Where(sq.Eq{"valid_to": nil}).
			Where(or).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("protocolgw: build open state lookup: %w", err)
		}
		rows, err := q.Query(ctx, sqlStr, args...)
		if err != nil {
			return nil, fmt.Errorf("protocolgw: query open states: %w", err)
		}
		defer rows.Close()

		var out []versioning.OpenRow[stateEntityKey]
		for rows.Next() {
			var pk, componentID int64
			var attrName string
			var value []byte
			if err := rows.Scan(&pk, &componentID, &attrName, &value); err != nil {
				return nil, fmt.Errorf("protocolgw: scan open state: %w", err)
			}
			out = append(out, versioning.OpenRow[stateEntityKey]{
				PK: pk, Key: stateEntityKey{ComponentID: componentID, AttributeName: attrName}, Value: value,
			})
		}
		return out, rows.Err()
	}
}

// openBalanceLookup implements versioning.Lookup for component_balance,
// keyed by (component_id, token_id).
func openBalanceLookup(q registry.Querier) versioning.Lookup[balanceEntityKey] {
	return func(ctx context.Context, keys []balanceEntityKey) ([]versioning.OpenRow[balanceEntityKey], error) {
		if len(keys) == 0 {
			return nil, nil
		}
		or := make(sq.Or, 0, len(keys))
		for _, k := range keys {
			or = append(or, sq.Eq{"protocol_component_id": k.ComponentID, "token_id": k.TokenID})
		}
		sqlStr, args, err := psql.Select("id", "protocol_component_id", "token_id", "new_balance").
			From("component_balance").
			Where(sq.Eq{"valid_to": nil}).
			Where(or).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("protocolgw: build open balance lookup: %w", err)
		}
		rows, err := q.Query(ctx, sqlStr, args...)
		if err != nil {
			return nil, fmt.Errorf("protocolgw: query open balances: %w", err)
		}
		defer rows.Close()

		var out []versioning.OpenRow[balanceEntityKey]
		for rows.Next() {
			var pk, componentID, tokenID int64
			var value []byte
			if err := rows.Scan(&pk, &componentID, &tokenID, &value); err != nil {
				return nil, fmt.Errorf("protocolgw: scan open balance: %w", err)
			}
			out = append(out, versioning.OpenRow[balanceEntityKey]{
				PK: pk, Key: balanceEntityKey{ComponentID: componentID, TokenID: tokenID}, Value: value,
			})
		}
		return out, rows.Err()
	}
}
