package protocolgw

import (
	"context"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/withobsrvr/chainstate/internal/models"
	"github.com/withobsrvr/chainstate/internal/registry"
	"github.com/withobsrvr/chainstate/internal/storeerr"
	"github.com/withobsrvr/chainstate/internal/versioning"
)

// Gateway implements the protocol component/state/balance operations,
// mirroring contractgw.Gateway's caller-supplied-transaction discipline.
type Gateway struct{}

// New constructs a protocol Gateway.
func New() *Gateway { return &Gateway{} }

func resolveTimestamp(ctx context.Context, q registry.Querier, version *models.Version) (time.Time, error) {
	if version == nil {
		return time.Now().UTC(), nil
	}
	resolved, err := registry.ResolveVersionTimestamp(ctx, q, version)
	if err != nil {
		return time.Time{}, err
	}
	return resolved.Ts, nil
}

// GetProtocolStates returns, for every matching component, the union of
// latest-per-attribute values visible at version. Filter precedence: if
// ids is non-empty it is used exclusively (system is ignored); else
// system; else every component on chain.
func (g *Gateway) GetProtocolStates(ctx context.Context, q registry.Querier, chainID int64, version *models.Version, protocolSystemID *int64, ids []string) ([]ComponentState, error) {
	ts, err := resolveTimestamp(ctx, q, version)
	if err != nil {
		return nil, err
	}

	query := psql.Select(
		"pc.external_id", "ps.attribute_name", "ps.attribute_value", "tx.hash",
	).
		From("protocol_state ps").
		Join("protocol_component pc ON pc.id = ps.protocol_component_id").
		Join("transaction tx ON tx.id = ps.modify_tx").
		Join("block blk ON blk.id = tx.block_id").
		Where(sq.Eq{"pc.chain_id": chainID}).
		Where(sq.LtOrEq{"ps.valid_from": ts}).
		Where(sq.Or{sq.Gt{"ps.valid_to": ts}, sq.Eq{"ps.valid_to": nil}}).
		OrderBy("pc.external_id", "blk.number", "tx.index")

	switch {
	case len(ids) > 0:
		query = query.Where(sq.Eq{"pc.external_id": ids})
	case protocolSystemID != nil:
		query = query.Where(sq.Eq{"pc.protocol_system_id": *protocolSystemID})
	}

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("protocolgw: build protocol states query: %w", err)
	}
	rows, err := q.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("protocolgw: query protocol states: %w", err)
	}
	defer rows.Close()

	var out []ComponentState
	var current *ComponentState
	for rows.Next() {
		var externalID, attrName string
		var value, modifyTxHash []byte
		if err := rows.Scan(&externalID, &attrName, &value, &modifyTxHash); err != nil {
			return nil, fmt.Errorf("protocolgw: scan protocol state: %w", err)
		}
		if current == nil || current.ComponentExternalID != externalID {
			if current != nil {
				out = append(out, *current)
			}
			current = &ComponentState{ComponentExternalID: externalID, Attributes: map[string][]byte{}}
		}
		current.Attributes[attrName] = value // later row (by ORDER BY) wins
		current.ModifyTxHash = modifyTxHash
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if current != nil {
		out = append(out, *current)
	}
	return out, nil
}

// UpdateProtocolStates resolves tx and component references, builds
// versioned rows sorted by (component_id, attribute_name, block_ts,
// tx.index), applies versioning and inserts.
func (g *Gateway) UpdateProtocolStates(ctx context.Context, tx pgx.Tx, chainID int64, deltas []ProtocolStateDeltaInput) error {
	if len(deltas) == 0 {
		return nil
	}

	txRefs := map[string]*registry.TxRef{}
	txIndex := map[int64]int64{}
	externalIDs := make([]string, 0, len(deltas))
	seen := map[string]bool{}
	for _, d := range deltas {
		if !seen[d.ComponentID] {
			seen[d.ComponentID] = true
			externalIDs = append(externalIDs, d.ComponentID)
		}
	}
	componentIDs, err := resolveComponentIDs(ctx, tx, chainID, externalIDs)
	if err != nil {
		return err
	}

	var rows []*models.ProtocolState
	for _, d := range deltas {
		key := string(d.TxHash)
		ref, ok := txRefs[key]
		if !ok {
			ref, err = registry.ResolveTxWithBlock(ctx, tx, d.TxHash)
			if err != nil {
				return storeerr.NoRelatedEntityf("Transaction", "protocol state update", fmt.Sprintf("%x", d.TxHash))
			}
			txRefs[key] = ref
			txIndex[ref.TxID] = ref.TxIndex
		}
		componentID := componentIDs[d.ComponentID]

		for name, value := range d.Updates {
			rows = append(rows, &models.ProtocolState{
				ProtocolComponentID: componentID, AttributeName: name, AttributeValue: value,
				ModifyTx: ref.TxID, ValidFrom: ref.BlockTs,
			})
		}
		for _, name := range d.Deleted {
			rows = append(rows, &models.ProtocolState{
				ProtocolComponentID: componentID, AttributeName: name, AttributeValue: nil,
				ModifyTx: ref.TxID, ValidFrom: ref.BlockTs,
			})
		}
	}
	if len(rows) == 0 {
		return nil
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.ProtocolComponentID != b.ProtocolComponentID {
			return a.ProtocolComponentID < b.ProtocolComponentID
		}
		if a.AttributeName != b.AttributeName {
			return a.AttributeName < b.AttributeName
		}
		if !a.ValidFrom.Equal(b.ValidFrom) {
			return a.ValidFrom.Before(b.ValidFrom)
		}
		return txIndex[a.ModifyTx] < txIndex[b.ModifyTx]
	})

	deltaRows := make([]versioning.DeltaRow[stateEntityKey], len(rows))
	for i, r := range rows {
		deltaRows[i] = stateRow{row: r}
	}
	if err := versioning.ApplyDeltaVersioning(ctx, tx, "protocol_state", deltaRows, openStateLookup(tx)); err != nil {
		return err
	}

	for _, r := range rows {
		if err := insertOne(ctx, tx, "protocol_state",
			[]string{"protocol_component_id", "attribute_name", "attribute_value", "previous_value", "modify_tx", "valid_from", "valid_to"},
			[]any{r.ProtocolComponentID, r.AttributeName, r.AttributeValue, r.PreviousValue, r.ModifyTx, r.ValidFrom, r.ValidTo}); err != nil {
			return err
		}
	}
	return nil
}

func insertOne(ctx context.Context, tx pgx.Tx, table string, columns []string, values []any) error {
	sqlStr, args, err := psql.Insert(table).Columns(columns...).Values(values...).ToSql()
	if err != nil {
		return fmt.Errorf("protocolgw: build %s insert: %w", table, err)
	}
	if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
		return storeerr.FromPgError(err, table)
	}
	return nil
}

// AddProtocolComponents batch-inserts new components, skipping any whose
// (chain_id, external_id) already exists. protocol_system_id is not part
// of the conflict key: a component with an existing external id on the
// same chain is skipped even when its protocol system differs.
func (g *Gateway) AddProtocolComponents(ctx context.Context, tx pgx.Tx, components []models.ProtocolComponent) error {
	for _, c := range components {
		sqlStr, args, err := psql.Insert("protocol_component").
			Columns("chain_id", "external_id", "protocol_type_id", "protocol_system_id", "creation_tx", "created_at", "attributes").
			Values(c.ChainID, c.ExternalID, c.ProtocolTypeID, c.ProtocolSystemID, c.CreationTx, c.CreatedAt, c.Attributes).
			Suffix("ON CONFLICT (chain_id, external_id) DO NOTHING").
			ToSql()
		if err != nil {
			return fmt.Errorf("protocolgw: build component insert: %w", err)
		}
		if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
			return storeerr.FromPgError(err, "protocol_component")
		}
	}
	return nil
}

// UpsertProtocolType inserts a protocol type or updates it in place by
// name.
func (g *Gateway) UpsertProtocolType(ctx context.Context, tx pgx.Tx, pt models.ProtocolType) error {
	sqlStr, args, err := psql.Insert("protocol_type").
		Columns("name", "financial_type", "attribute_schema", "implementation").
		Values(pt.Name, pt.FinancialType, pt.AttributeSchema, pt.Implementation).
		Suffix("ON CONFLICT (name) DO UPDATE SET financial_type = EXCLUDED.financial_type, attribute_schema = EXCLUDED.attribute_schema, implementation = EXCLUDED.implementation").
		ToSql()
	if err != nil {
		return fmt.Errorf("protocolgw: build protocol type upsert: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
		return storeerr.FromPgError(err, "protocol_type")
	}
	return nil
}

// UpsertComponentBalances applies a batch of component/token balance
// observations using the same delta-versioning shape as contract
// storage slots.
func (g *Gateway) UpsertComponentBalances(ctx context.Context, tx pgx.Tx, chainID int64, changes []BalanceChange) error {
	if len(changes) == 0 {
		return nil
	}

	txRefs := map[string]*registry.TxRef{}
	externalIDs := make([]string, 0, len(changes))
	seen := map[string]bool{}
	for _, c := range changes {
		if !seen[c.ComponentID] {
			seen[c.ComponentID] = true
			externalIDs = append(externalIDs, c.ComponentID)
		}
	}
	componentIDs, err := resolveComponentIDs(ctx, tx, chainID, externalIDs)
	if err != nil {
		return err
	}

	rows := make([]*models.ComponentBalance, 0, len(changes))
	for _, c := range changes {
		key := string(c.TxHash)
		ref, ok := txRefs[key]
		if !ok {
			ref, err = registry.ResolveTxWithBlock(ctx, tx, c.TxHash)
			if err != nil {
				return storeerr.NoRelatedEntityf("Transaction", "component balance update", fmt.Sprintf("%x", c.TxHash))
			}
			txRefs[key] = ref
		}
		rows = append(rows, &models.ComponentBalance{
			ProtocolComponentID: componentIDs[c.ComponentID],
			TokenID:             c.TokenID,
			NewBalance:          c.NewBalance,
			BalanceFloat:        c.BalanceFloat,
			ModifyTx:            ref.TxID,
			ValidFrom:           ref.BlockTs,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		a, b := rows[i], rows[j]
		if a.ProtocolComponentID != b.ProtocolComponentID {
			return a.ProtocolComponentID < b.ProtocolComponentID
		}
		if a.TokenID != b.TokenID {
			return a.TokenID < b.TokenID
		}
		return a.ValidFrom.Before(b.ValidFrom)
	})

	deltaRows := make([]versioning.DeltaRow[balanceEntityKey], len(rows))
	for i, r := range rows {
		deltaRows[i] = balanceRow{row: r}
	}
	if err := versioning.ApplyDeltaVersioning(ctx, tx, "component_balance", deltaRows, openBalanceLookup(tx)); err != nil {
		return err
	}

	for _, r := range rows {
		if err := insertOne(ctx, tx, "component_balance",
			[]string{"protocol_component_id", "token_id", "new_balance", "previous_value", "balance_float", "modify_tx", "valid_from", "valid_to"},
			[]any{r.ProtocolComponentID, r.TokenID, r.NewBalance, r.PreviousValue, r.BalanceFloat, r.ModifyTx, r.ValidFrom, r.ValidTo}); err != nil {
			return err
		}
	}
	return nil
}

// GetComponentBalances returns the currently-open balance per
// (component, token) for the given components.
func (g *Gateway) GetComponentBalances(ctx context.Context, q registry.Querier, chainID int64, externalIDs []string) (map[string]map[int64][]byte, error) {
	componentIDs, err := resolveComponentIDs(ctx, q, chainID, externalIDs)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(componentIDs))
	byID := map[int64]string{}
	for ext, id := range componentIDs {
		ids = append(ids, id)
		byID[id] = ext
	}

	sqlStr, args, err := psql.Select("protocol_component_id", "token_id", "new_balance").
		From("component_balance").
		Where(sq.Eq{"protocol_component_id": ids, "valid_to": nil}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("protocolgw: build component balances query: %w", err)
	}
	rows, err := q.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("protocolgw: query component balances: %w", err)
	}
	defer rows.Close()

	out := map[string]map[int64][]byte{}
	for rows.Next() {
		var componentID, tokenID int64
		var balance []byte
		if err := rows.Scan(&componentID, &tokenID, &balance); err != nil {
			return nil, fmt.Errorf("protocolgw: scan component balance: %w", err)
		}
		ext := byID[componentID]
		if out[ext] == nil {
			out[ext] = map[int64][]byte{}
		}
		out[ext][tokenID] = balance
	}
	return out, rows.Err()
}

// RefreshComponentTVL invokes the refresh_component_tvl SQL function,
// recomputing the component_tvl aggregate from current balances and
// token prices.
func (g *Gateway) RefreshComponentTVL(ctx context.Context, q registry.Querier) error {
	if _, err := q.Exec(ctx, "SELECT refresh_component_tvl()"); err != nil {
		return fmt.Errorf("protocolgw: refresh component tvl: %w", err)
	}
	return nil
}

// GetProtocolStateDelta computes the per-component attribute delta
// between start (nil == now) and target, mirroring
// contractgw.GetSlotsDelta but including the reinstated-deletions case
// that only applies to delta-versioned rows that can be deleted
// in place (protocol_state).
func (g *Gateway) GetProtocolStateDelta(ctx context.Context, q registry.Querier, chainID int64, start *models.Version, target models.Version) (map[string]map[string][]byte, error) {
	startTs, err := resolveTimestamp(ctx, q, start)
	if err != nil {
		return nil, err
	}
	targetTs, err := resolveTimestamp(ctx, q, &target)
	if err != nil {
		return nil, err
	}

	forward := !startTs.After(targetTs)
	var lo, hi time.Time
	if forward {
		lo, hi = startTs, targetTs
	} else {
		lo, hi = targetTs, startTs
	}

	windowRows, componentNames, err := g.queryStateWindow(ctx, q, chainID, lo, hi)
	if err != nil {
		return nil, err
	}

	var delta map[stateEntityKey][]byte
	if forward {
		delta = versioning.ForwardDelta(windowRows)
	} else {
		reinstated, reinstatedNames, err := g.queryReinstatedDeletions(ctx, q, chainID, lo, hi)
		if err != nil {
			return nil, err
		}
		for id, name := range reinstatedNames {
			componentNames[id] = name
		}
		delta = versioning.ReverseDelta(windowRows, reinstated)
	}

	out := map[string]map[string][]byte{}
	for key, value := range delta {
		name := componentNames[key.ComponentID]
		if out[name] == nil {
			out[name] = map[string][]byte{}
		}
		out[name][key.AttributeName] = value
	}
	return out, nil
}

func (g *Gateway) queryStateWindow(ctx context.Context, q registry.Querier, chainID int64, lo, hi time.Time) ([]versioning.DeltaSourceRow[stateEntityKey], map[int64]string, error) {
	sqlStr, args, err := psql.Select(
		"ps.protocol_component_id", "pc.external_id", "ps.attribute_name", "ps.attribute_value", "ps.previous_value", "ps.valid_from", "tx.index",
	).
		From("protocol_state ps").
		Join("protocol_component pc ON pc.id = ps.protocol_component_id").
		Join("transaction tx ON tx.id = ps.modify_tx").
		Where(sq.Eq{"pc.chain_id": chainID}).
		Where(sq.Gt{"ps.valid_from": lo}).
		Where(sq.LtOrEq{"ps.valid_from": hi}).
		ToSql()
	if err != nil {
		return nil, nil, fmt.Errorf("protocolgw: build state window query: %w", err)
	}
	rows, err := q.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("protocolgw: query state window: %w", err)
	}
	defer rows.Close()

	names := map[int64]string{}
	var out []versioning.DeltaSourceRow[stateEntityKey]
	for rows.Next() {
		var componentID int64
		var externalID, attrName string
		var value, previousValue []byte
		var validFrom time.Time
		var ordinal int64
		if err := rows.Scan(&componentID, &externalID, &attrName, &value, &previousValue, &validFrom, &ordinal); err != nil {
			return nil, nil, fmt.Errorf("protocolgw: scan state window row: %w", err)
		}
		names[componentID] = externalID
		out = append(out, versioning.DeltaSourceRow[stateEntityKey]{
			Key:           stateEntityKey{ComponentID: componentID, AttributeName: attrName},
			ValidFrom:     validFrom,
			Ordinal:       ordinal,
			Value:         value,
			PreviousValue: previousValue,
		})
	}
	return out, names, rows.Err()
}

// queryReinstatedDeletions finds protocol_state rows closed within
// (lo, hi] whose entity key has no row currently valid at hi: an
// anti-join that surfaces deletions a reverse delta must reinstate.
func (g *Gateway) queryReinstatedDeletions(ctx context.Context, q registry.Querier, chainID int64, lo, hi time.Time) ([]versioning.DeltaSourceRow[stateEntityKey], map[int64]string, error) {
	sqlStr, args, err := psql.Select(
		"ps.protocol_component_id", "pc.external_id", "ps.attribute_name", "ps.attribute_value", "ps.valid_from", "tx.index",
	).
		From("protocol_state ps").
		Join("protocol_component pc ON pc.id = ps.protocol_component_id").
		Join("transaction tx ON tx.id = ps.modify_tx").
		Where(sq.Eq{"pc.chain_id": chainID}).
		Where(sq.Gt{"ps.valid_to": lo}).
		Where(sq.LtOrEq{"ps.valid_to": hi}).
		Where(sq.LtOrEq{"ps.valid_from": lo}).
		Where(`NOT EXISTS (
			SELECT 1 FROM protocol_state ps2
			 WHERE ps2.protocol_component_id = ps.protocol_component_id
			   AND ps2.attribute_name = ps.attribute_name
			   AND ps2.valid_from <= ?
			   AND (ps2.valid_to > ? OR ps2.valid_to IS NULL)
		)`, hi, hi).
		ToSql()
	if err != nil {
		return nil, nil, fmt.Errorf("protocolgw: build reinstated deletions query: %w", err)
	}
	rows, err := q.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("protocolgw: query reinstated deletions: %w", err)
	}
	defer rows.Close()

	names := map[int64]string{}
	var out []versioning.DeltaSourceRow[stateEntityKey]
	for rows.Next() {
		var componentID int64
		var externalID, attrName string
		var value []byte
		var validFrom time.Time
		var ordinal int64
		if err := rows.Scan(&componentID, &externalID, &attrName, &value, &validFrom, &ordinal); err != nil {
			return nil, nil, fmt.Errorf("protocolgw: scan reinstated deletion: %w", err)
		}
		names[componentID] = externalID
		out = append(out, versioning.DeltaSourceRow[stateEntityKey]{
			Key: stateEntityKey{ComponentID: componentID, AttributeName: attrName}, ValidFrom: validFrom, Ordinal: ordinal, Value: value,
		})
	}
	return out, names, rows.Err()
}

// RevertProtocolState implements the protocol-side half of the revert
// protocol: re-open protocol_state/component_balance/
// protocol_component_holds_contract rows and un-delete protocol
// components closed by a now-deleted tip. Block deletion itself is
// idempotent, so running it again here after contractgw.RevertContractState
// already did it is harmless.
func (g *Gateway) RevertProtocolState(ctx context.Context, tx pgx.Tx, chainID int64, to models.BlockIdentifier) error {
	block, err := registry.ResolveBlock(ctx, tx, to)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, "DELETE FROM block WHERE chain_id = $1 AND number > $2", block.ChainID, block.Number); err != nil {
		return storeerr.FromPgError(err, "block")
	}

	for _, table := range []string{"protocol_state", "component_balance", "protocol_component_holds_contract"} {
		sqlStr, args, err := psql.Update(table).
			Set("valid_to", nil).
			Where(sq.Gt{"valid_to": block.Ts}).
			ToSql()
		if err != nil {
			return fmt.Errorf("protocolgw: build %s reopen: %w", table, err)
		}
		if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
			return storeerr.FromPgError(err, table)
		}
	}

	sqlStr, args, err := psql.Update("protocol_component").
		Set("deleted_at", nil).
		Set("deletion_tx", nil).
		Where(sq.Gt{"deleted_at": block.Ts}).
		ToSql()
	if err != nil {
		return fmt.Errorf("protocolgw: build component undelete: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
		return storeerr.FromPgError(err, "protocol_component")
	}
	return nil
}
