package contractgw

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/withobsrvr/chainstate/internal/models"
	"github.com/withobsrvr/chainstate/internal/registry"
	"github.com/withobsrvr/chainstate/internal/storeerr"
	"github.com/withobsrvr/chainstate/internal/versioning"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

func resolveAccount(ctx context.Context, q registry.Querier, chainID int64, address []byte) (*models.Account, error) {
	sqlStr, args, err := psql.Select("id", "chain_id", "address", "title", "creation_tx", "created_at", "deletion_tx", "deleted_at").
		From("account").
		Where(sq.Eq{"chain_id": chainID, "address": address}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("contractgw: build account query: %w", err)
	}

	var a models.Account
	err = q.QueryRow(ctx, sqlStr, args...).Scan(
		&a.ID, &a.ChainID, &a.Address, &a.Title, &a.CreationTx, &a.CreatedAt, &a.DeletionTx, &a.DeletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, storeerr.NotFoundf("account", fmt.Sprintf("%x", address))
		}
		return nil, fmt.Errorf("contractgw: resolve account: %w", err)
	}
	return &a, nil
}

func resolveAccounts(ctx context.Context, q registry.Querier, chainID int64, addresses [][]byte) ([]models.Account, error) {
	query := psql.Select("id", "chain_id", "address", "title", "creation_tx", "created_at", "deletion_tx", "deleted_at").
		From("account").
		Where(sq.Eq{"chain_id": chainID}).
		OrderBy("id")
	if addresses != nil {
		query = query.Where(sq.Eq{"address": addresses})
	}
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("contractgw: build accounts query: %w", err)
	}
	rows, err := q.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("contractgw: query accounts: %w", err)
	}
	defer rows.Close()

	var out []models.Account
	for rows.Next() {
		var a models.Account
		if err := rows.Scan(&a.ID, &a.ChainID, &a.Address, &a.Title, &a.CreationTx, &a.CreatedAt, &a.DeletionTx, &a.DeletedAt); err != nil {
			return nil, fmt.Errorf("contractgw: scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func selectLatestBalances(ctx context.Context, q registry.Querier, accountIDs []int64, ts time.Time) (map[int64]*models.AccountBalance, error) {
	query := versioning.PointInTimeQuery("account_balance", "ab",
		[]string{"ab.id", "ab.account_id", "ab.balance", "ab.modify_tx", "ab.valid_from", "ab.valid_to"},
		[]string{"ab.account_id"}, "tx.index DESC", ts).
		Join("transaction tx ON tx.id = ab.modify_tx").
		Where(sq.Eq{"ab.account_id": accountIDs})
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("contractgw: build balance query: %w", err)
	}
	rows, err := q.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("contractgw: query balances: %w", err)
	}
	defer rows.Close()

	out := map[int64]*models.AccountBalance{}
	for rows.Next() {
		var b models.AccountBalance
		if err := rows.Scan(&b.ID, &b.AccountID, &b.Balance, &b.ModifyTx, &b.ValidFrom, &b.ValidTo); err != nil {
			return nil, fmt.Errorf("contractgw: scan balance: %w", err)
		}
		out[b.AccountID] = &b
	}
	return out, rows.Err()
}

func selectLatestCode(ctx context.Context, q registry.Querier, accountIDs []int64, ts time.Time) (map[int64]*models.ContractCode, error) {
	query := versioning.PointInTimeQuery("contract_code", "cc",
		[]string{"cc.id", "cc.account_id", "cc.code", "cc.hash", "cc.modify_tx", "cc.valid_from", "cc.valid_to"},
		[]string{"cc.account_id"}, "tx.index DESC", ts).
		Join("transaction tx ON tx.id = cc.modify_tx").
		Where(sq.Eq{"cc.account_id": accountIDs})
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("contractgw: build code query: %w", err)
	}
	rows, err := q.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("contractgw: query code: %w", err)
	}
	defer rows.Close()

	out := map[int64]*models.ContractCode{}
	for rows.Next() {
		var c models.ContractCode
		if err := rows.Scan(&c.ID, &c.AccountID, &c.Code, &c.Hash, &c.ModifyTx, &c.ValidFrom, &c.ValidTo); err != nil {
			return nil, fmt.Errorf("contractgw: scan code: %w", err)
		}
		out[c.AccountID] = &c
	}
	return out, rows.Err()
}

// selectLatestSlots returns, per account, the slot -> value map
// representing the end-of-version storage state: the latest write
// (greatest valid_from, ordinal) per (account_id, slot) visible at ts.
// A nil value for a selected row means the slot was cleared and is
// therefore omitted from the returned map, matching "map slot -> value
// representing the end-of-version state".
func selectLatestSlots(ctx context.Context, q registry.Querier, accountIDs []int64, ts time.Time) (map[int64]map[[32]byte][32]byte, error) {
	query := versioning.PointInTimeQuery("contract_storage", "cs",
		[]string{"cs.account_id", "cs.slot", "cs.value"},
		[]string{"cs.account_id", "cs.slot"}, "cs.ordinal DESC", ts).
		Where(sq.Eq{"cs.account_id": accountIDs})
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("contractgw: build slots query: %w", err)
	}
	rows, err := q.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("contractgw: query slots: %w", err)
	}
	defer rows.Close()

	out := map[int64]map[[32]byte][32]byte{}
	for rows.Next() {
		var accountID int64
		var slotBytes, valueBytes []byte
		if err := rows.Scan(&accountID, &slotBytes, &valueBytes); err != nil {
			return nil, fmt.Errorf("contractgw: scan slot: %w", err)
		}
		if valueBytes == nil {
			continue
		}
		if len(slotBytes) != 32 || len(valueBytes) != 32 {
			return nil, storeerr.DecodeErrorf("contract_storage slot/value must be 32 bytes, got %d/%d", len(slotBytes), len(valueBytes))
		}
		var slot, value [32]byte
		copy(slot[:], slotBytes)
		copy(value[:], valueBytes)
		if out[accountID] == nil {
			out[accountID] = map[[32]byte][32]byte{}
		}
		out[accountID][slot] = value
	}
	return out, rows.Err()
}

// openSlotLookup implements versioning.Lookup for contract_storage,
// fetching the currently-open row for each (account_id, slot) key. The
// IN-list is expressed as a disjunction of per-key predicates since the
// key is composite and squirrel has no first-class row-value IN.
func openSlotLookup(q registry.Querier) versioning.Lookup[slotEntityKey] {
	return func(ctx context.Context, keys []slotEntityKey) ([]versioning.OpenRow[slotEntityKey], error) {
		if len(keys) == 0 {
			return nil, nil
		}
		or := make(sq.Or, 0, len(keys))
		for _, k := range keys {
			or = append(or, sq.Eq{"account_id": k.AccountID, "slot": k.Slot[:]})
		}
		sqlStr, args, err := psql.Select("id", "account_id", "slot", "value").
			From("contract_storage").
			Where(sq.Eq{"valid_to": nil}).
			Where(or).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("contractgw: build open slot lookup: %w", err)
		}
		rows, err := q.Query(ctx, sqlStr, args...)
		if err != nil {
			return nil, fmt.Errorf("contractgw: query open slots: %w", err)
		}
		defer rows.Close()

		var out []versioning.OpenRow[slotEntityKey]
		for rows.Next() {
			var pk, accountID int64
			var slotBytes, value []byte
			if err := rows.Scan(&pk, &accountID, &slotBytes, &value); err != nil {
				return nil, fmt.Errorf("contractgw: scan open slot: %w", err)
			}
			var slot [32]byte
			copy(slot[:], slotBytes)
			out = append(out, versioning.OpenRow[slotEntityKey]{
				PK: pk, Key: slotEntityKey{AccountID: accountID, Slot: slot}, Value: value,
			})
		}
		return out, rows.Err()
	}
}

// openBalanceLookup implements versioning.Lookup for account_balance,
// keyed by account id.
func openBalanceLookup(q registry.Querier) versioning.Lookup[int64] {
	return func(ctx context.Context, keys []int64) ([]versioning.OpenRow[int64], error) {
		if len(keys) == 0 {
			return nil, nil
		}
		sqlStr, args, err := psql.Select("id", "account_id", "balance").
			From("account_balance").
			Where(sq.Eq{"valid_to": nil, "account_id": keys}).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("contractgw: build open balance lookup: %w", err)
		}
		rows, err := q.Query(ctx, sqlStr, args...)
		if err != nil {
			return nil, fmt.Errorf("contractgw: query open balances: %w", err)
		}
		defer rows.Close()

		var out []versioning.OpenRow[int64]
		for rows.Next() {
			var pk, accountID int64
			var value []byte
			if err := rows.Scan(&pk, &accountID, &value); err != nil {
				return nil, fmt.Errorf("contractgw: scan open balance: %w", err)
			}
			out = append(out, versioning.OpenRow[int64]{PK: pk, Key: accountID, Value: value})
		}
		return out, rows.Err()
	}
}

// openCodeLookup implements versioning.Lookup for contract_code, keyed
// by account id.
func openCodeLookup(q registry.Querier) versioning.Lookup[int64] {
	return func(ctx context.Context, keys []int64) ([]versioning.OpenRow[int64], error) {
		if len(keys) == 0 {
			return nil, nil
		}
		sqlStr, args, err := psql.Select("id", "account_id", "code").
			From("contract_code").
			Where(sq.Eq{"valid_to": nil, "account_id": keys}).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("contractgw: build open code lookup: %w", err)
		}
		rows, err := q.Query(ctx, sqlStr, args...)
		if err != nil {
			return nil, fmt.Errorf("contractgw: query open code: %w", err)
		}
		defer rows.Close()

		var out []versioning.OpenRow[int64]
		for rows.Next() {
			var pk, accountID int64
			var value []byte
			if err := rows.Scan(&pk, &accountID, &value); err != nil {
				return nil, fmt.Errorf("contractgw: scan open code: %w", err)
			}
			out = append(out, versioning.OpenRow[int64]{PK: pk, Key: accountID, Value: value})
		}
		return out, rows.Err()
	}
}
