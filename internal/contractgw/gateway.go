package contractgw

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/withobsrvr/chainstate/internal/logging"
	"github.com/withobsrvr/chainstate/internal/models"
	"github.com/withobsrvr/chainstate/internal/registry"
	"github.com/withobsrvr/chainstate/internal/storeerr"
	"github.com/withobsrvr/chainstate/internal/versioning"
)

// Gateway implements the contract/account state operations. It holds no
// connection of its own: every method takes a registry.Querier (reads)
// or a pgx.Tx (writes), per the caller-supplied-transaction composition
// rule every write path follows.
type Gateway struct {
	log *logging.Logger
}

// New constructs a contract state Gateway.
func New() *Gateway { return &Gateway{} }

// WithLogger attaches a component logger so Unexpected-kind errors are
// logged at Error level, since they warrant alerting, before being
// returned to the caller. Optional - a Gateway built with New() alone
// still returns the same typed errors, just without the side-channel log.
func (g *Gateway) WithLogger(log *logging.Logger) *Gateway {
	g.log = log
	return g
}

func (g *Gateway) unexpected(format string, args ...any) error {
	err := storeerr.Unexpectedf(format, args...)
	if g.log != nil {
		g.log.Unexpected(err.Error(), nil)
	}
	return err
}

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

// GetContract returns the account, balance, code and (if requested)
// storage slots at the given version.
func (g *Gateway) GetContract(ctx context.Context, q registry.Querier, chainID int64, address []byte, version *models.Version, includeSlots bool) (*Contract, error) {
	account, err := resolveAccount(ctx, q, chainID, address)
	if err != nil {
		return nil, err
	}

	ts, err := resolveTimestamp(ctx, q, version)
	if err != nil {
		return nil, err
	}

	if account.DeletedAt != nil && !account.DeletedAt.After(ts) {
		return nil, storeerr.NotFoundf("account", fmt.Sprintf("%x", address))
	}

	balances, err := selectLatestBalances(ctx, q, []int64{account.ID}, ts)
	if err != nil {
		return nil, err
	}
	codes, err := selectLatestCode(ctx, q, []int64{account.ID}, ts)
	if err != nil {
		return nil, err
	}

	contract := &Contract{
		Account: *account,
		Balance: balances[account.ID],
		Code:    codes[account.ID],
	}

	if includeSlots {
		slots, err := selectLatestSlots(ctx, q, []int64{account.ID}, ts)
		if err != nil {
			return nil, err
		}
		contract.Slots = slots[account.ID]
	}
	return contract, nil
}

// GetContracts is the bulk form of GetContract. addresses == nil
// returns every account on chainID. Aligning by id and never returning
// mismatched cardinality is structural here rather than a runtime check:
// selectLatestBalances/Code/Slots each use versioning.PointInTimeQuery's
// DISTINCT ON (entity_key), so they can never return more than one row
// per account (or per account+slot), and a missing account in one of the
// three result maps is simply treated as "no open row at this version"
// rather than an inconsistency.
func (g *Gateway) GetContracts(ctx context.Context, q registry.Querier, chainID int64, addresses [][]byte, version *models.Version, includeSlots bool) ([]*Contract, error) {
	accounts, err := resolveAccounts(ctx, q, chainID, addresses)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, nil
	}

	ts, err := resolveTimestamp(ctx, q, version)
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}

	balances, err := selectLatestBalances(ctx, q, ids, ts)
	if err != nil {
		return nil, err
	}
	codes, err := selectLatestCode(ctx, q, ids, ts)
	if err != nil {
		return nil, err
	}
	var slotsByAccount map[int64]map[[32]byte][32]byte
	if includeSlots {
		slotsByAccount, err = selectLatestSlots(ctx, q, ids, ts)
		if err != nil {
			return nil, err
		}
	}

	out := make([]*Contract, 0, len(accounts))
	for _, a := range accounts {
		if a.DeletedAt != nil && !a.DeletedAt.After(ts) {
			continue
		}
		c := &Contract{Account: a, Balance: balances[a.ID], Code: codes[a.ID]}
		if includeSlots {
			c.Slots = slotsByAccount[a.ID]
		}
		out = append(out, c)
	}
	return out, nil
}

// AddContract inserts a new account along with its first balance and
// code rows, resolving each referenced transaction hash to its
// (tx_id, block_ts) pair inside the caller's transaction.
func (g *Gateway) AddContract(ctx context.Context, tx pgx.Tx, in AddContractInput) (int64, error) {
	creation, err := registry.ResolveTxWithBlock(ctx, tx, in.CreationTx)
	if err != nil {
		return 0, storeerr.NoRelatedEntityf("Transaction", "account creation", fmt.Sprintf("%x", in.CreationTx))
	}
	balanceTx, err := registry.ResolveTxWithBlock(ctx, tx, in.BalanceTx)
	if err != nil {
		return 0, storeerr.NoRelatedEntityf("Transaction", "account balance", fmt.Sprintf("%x", in.BalanceTx))
	}
	codeTx, err := registry.ResolveTxWithBlock(ctx, tx, in.CodeTx)
	if err != nil {
		return 0, storeerr.NoRelatedEntityf("Transaction", "contract code", fmt.Sprintf("%x", in.CodeTx))
	}

	sqlStr, args, err := psql.Insert("account").
		Columns("chain_id", "address", "title", "creation_tx", "created_at").
		Values(in.ChainID, in.Address, in.Title, creation.TxID, creation.BlockTs).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("contractgw: build account insert: %w", err)
	}
	var accountID int64
	if err := tx.QueryRow(ctx, sqlStr, args...).Scan(&accountID); err != nil {
		return 0, storeerr.FromPgError(err, "account")
	}

	if err := insertOne(ctx, tx, "account_balance",
		[]string{"account_id", "balance", "modify_tx", "valid_from"},
		[]any{accountID, in.Balance, balanceTx.TxID, balanceTx.BlockTs}); err != nil {
		return 0, err
	}
	if err := insertOne(ctx, tx, "contract_code",
		[]string{"account_id", "code", "hash", "modify_tx", "valid_from"},
		[]any{accountID, in.Code, in.CodeHash, codeTx.TxID, codeTx.BlockTs}); err != nil {
		return 0, err
	}

	return accountID, nil
}

func insertOne(ctx context.Context, tx pgx.Tx, table string, columns []string, values []any) error {
	sqlStr, args, err := psql.Insert(table).Columns(columns...).Values(values...).ToSql()
	if err != nil {
		return fmt.Errorf("contractgw: build %s insert: %w", table, err)
	}
	if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
		return storeerr.FromPgError(err, table)
	}
	return nil
}

// DeleteContract marks an account deleted at the block containing
// atTx, closing all of its live balance/code/storage rows. Calling it
// twice with the same deletion tx is a no-op the second time; calling
// it again with a different tx on an already-deleted account is an
// Unexpected error.
func (g *Gateway) DeleteContract(ctx context.Context, tx pgx.Tx, chainID int64, address []byte, atTx []byte) error {
	account, err := resolveAccount(ctx, tx, chainID, address)
	if err != nil {
		return err
	}
	ref, err := registry.ResolveTxWithBlock(ctx, tx, atTx)
	if err != nil {
		return storeerr.NoRelatedEntityf("Transaction", "contract deletion", fmt.Sprintf("%x", atTx))
	}

	if account.DeletionTx != nil {
		if *account.DeletionTx == ref.TxID {
			return nil
		}
		return g.unexpected("account %x already deleted by a different transaction", address)
	}

	sqlStr, args, err := psql.Update("account").
		Set("deleted_at", ref.BlockTs).
		Set("deletion_tx", ref.TxID).
		Where(sq.Eq{"id": account.ID}).
		ToSql()
	if err != nil {
		return fmt.Errorf("contractgw: build account delete: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
		return storeerr.FromPgError(err, "account")
	}

	for _, table := range []string{"account_balance", "contract_code", "contract_storage"} {
		closeSQL, closeArgs, err := psql.Update(table).
			Set("valid_to", ref.BlockTs).
			Where(sq.Eq{"account_id": account.ID, "valid_to": nil}).
			ToSql()
		if err != nil {
			return fmt.Errorf("contractgw: build %s close: %w", table, err)
		}
		if _, err := tx.Exec(ctx, closeSQL, closeArgs...); err != nil {
			return storeerr.FromPgError(err, table)
		}
	}
	return nil
}

// GetContractSlots returns, per account, the end-of-version slot ->
// value map.
func (g *Gateway) GetContractSlots(ctx context.Context, q registry.Querier, chainID int64, addresses [][]byte, version *models.Version) (map[int64]map[[32]byte][32]byte, error) {
	accounts, err := resolveAccounts(ctx, q, chainID, addresses)
	if err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, nil
	}
	ts, err := resolveTimestamp(ctx, q, version)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, len(accounts))
	for i, a := range accounts {
		ids[i] = a.ID
	}
	return selectLatestSlots(ctx, q, ids, ts)
}

// UpsertSlots flattens a batch of (tx_hash, address, slot, value)
// changes into contract_storage rows, resolves tx/address references,
// and applies delta versioning within tx.
func (g *Gateway) UpsertSlots(ctx context.Context, tx pgx.Tx, chainID int64, changes []SlotChange) error {
	if len(changes) == 0 {
		return nil
	}

	txRefs := map[string]*registry.TxRef{}
	accountIDs := map[string]int64{}

	rows := make([]*models.ContractStorage, 0, len(changes))
	for _, c := range changes {
		key := string(c.TxHash)
		ref, ok := txRefs[key]
		if !ok {
			var err error
			ref, err = registry.ResolveTxWithBlock(ctx, tx, c.TxHash)
			if err != nil {
				return storeerr.NoRelatedEntityf("Transaction", "storage write", fmt.Sprintf("%x", c.TxHash))
			}
			txRefs[key] = ref
		}

		addrKey := string(c.Address)
		accountID, ok := accountIDs[addrKey]
		if !ok {
			account, err := resolveAccount(ctx, tx, chainID, c.Address)
			if err != nil {
				return storeerr.NoRelatedEntityf("Account", "storage write", fmt.Sprintf("%x", c.Address))
			}
			accountID = account.ID
			accountIDs[addrKey] = accountID
		}

		var value []byte
		if c.Value != nil {
			v := *c.Value
			value = v[:]
		}
		rows = append(rows, &models.ContractStorage{
			AccountID: accountID,
			Slot:      append([]byte(nil), c.Slot[:]...),
			Value:     value,
			ModifyTx:  ref.TxID,
			Ordinal:   ref.TxIndex,
			ValidFrom: ref.BlockTs,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].AccountID != rows[j].AccountID {
			return rows[i].AccountID < rows[j].AccountID
		}
		if string(rows[i].Slot) != string(rows[j].Slot) {
			return string(rows[i].Slot) < string(rows[j].Slot)
		}
		if !rows[i].ValidFrom.Equal(rows[j].ValidFrom) {
			return rows[i].ValidFrom.Before(rows[j].ValidFrom)
		}
		return rows[i].Ordinal < rows[j].Ordinal
	})

	deltaRows := make([]versioning.DeltaRow[slotEntityKey], len(rows))
	for i, r := range rows {
		deltaRows[i] = slotRow{row: r}
	}

	if err := versioning.ApplyDeltaVersioning(ctx, tx, "contract_storage", deltaRows, openSlotLookup(tx)); err != nil {
		return err
	}

	for _, r := range rows {
		if err := insertOne(ctx, tx, "contract_storage",
			[]string{"account_id", "slot", "value", "previous_value", "modify_tx", "ordinal", "valid_from", "valid_to"},
			[]any{r.AccountID, r.Slot, r.Value, r.PreviousValue, r.ModifyTx, r.Ordinal, r.ValidFrom, r.ValidTo}); err != nil {
			return err
		}
	}
	return nil
}

// UpdateAccounts applies a batch of upstream AccountUpdate values - new
// balance, new code, and/or slot writes - each anchored to txHash,
// versioning the balance/code rows and delegating slot writes to
// UpsertSlots. A nil Balance/Code on an update means that aspect did
// not change in this transaction and is skipped.
func (g *Gateway) UpdateAccounts(ctx context.Context, tx pgx.Tx, chainID int64, txHash []byte, updates map[string]models.AccountUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	ref, err := registry.ResolveTxWithBlock(ctx, tx, txHash)
	if err != nil {
		return storeerr.NoRelatedEntityf("Transaction", "account update", fmt.Sprintf("%x", txHash))
	}

	var balanceRows []versioning.Row[int64]
	var codeRows []versioning.Row[int64]
	var slotChanges []SlotChange

	for address, update := range updates {
		account, err := resolveAccount(ctx, tx, chainID, []byte(address))
		if err != nil {
			return storeerr.NoRelatedEntityf("Account", "account update", fmt.Sprintf("%x", address))
		}

		if update.Balance != nil {
			balanceRows = append(balanceRows, balanceRow{row: &models.AccountBalance{
				AccountID: account.ID, Balance: update.Balance, ModifyTx: ref.TxID, ValidFrom: ref.BlockTs,
			}})
		}
		if update.Code != nil {
			hash := sha256.Sum256(update.Code)
			codeRows = append(codeRows, codeRow{row: &models.ContractCode{
				AccountID: account.ID, Code: update.Code, Hash: hash[:], ModifyTx: ref.TxID, ValidFrom: ref.BlockTs,
			}})
		}
		for slot, value := range update.Slots {
			slotChanges = append(slotChanges, SlotChange{TxHash: txHash, Address: []byte(address), Slot: slot, Value: value})
		}
	}

	if len(balanceRows) > 0 {
		sort.Slice(balanceRows, func(i, j int) bool { return balanceRows[i].EntityKey() < balanceRows[j].EntityKey() })
		if err := versioning.ApplyVersioning(ctx, tx, "account_balance", balanceRows, openBalanceLookup(tx)); err != nil {
			return err
		}
		for _, r := range balanceRows {
			br := r.(balanceRow).row
			if err := insertOne(ctx, tx, "account_balance",
				[]string{"account_id", "balance", "modify_tx", "valid_from", "valid_to"},
				[]any{br.AccountID, br.Balance, br.ModifyTx, br.ValidFrom, br.ValidTo}); err != nil {
				return err
			}
		}
	}
	if len(codeRows) > 0 {
		sort.Slice(codeRows, func(i, j int) bool { return codeRows[i].EntityKey() < codeRows[j].EntityKey() })
		if err := versioning.ApplyVersioning(ctx, tx, "contract_code", codeRows, openCodeLookup(tx)); err != nil {
			return err
		}
		for _, r := range codeRows {
			cr := r.(codeRow).row
			if err := insertOne(ctx, tx, "contract_code",
				[]string{"account_id", "code", "hash", "modify_tx", "valid_from", "valid_to"},
				[]any{cr.AccountID, cr.Code, cr.Hash, cr.ModifyTx, cr.ValidFrom, cr.ValidTo}); err != nil {
				return err
			}
		}
	}
	if len(slotChanges) > 0 {
		if err := g.UpsertSlots(ctx, tx, chainID, slotChanges); err != nil {
			return err
		}
	}
	return nil
}

// GetSlotsDelta computes the per-account slot delta between start
// (nil == now) and target, forward if start <= target, reverse
// otherwise.
func (g *Gateway) GetSlotsDelta(ctx context.Context, q registry.Querier, chainID int64, start *models.Version, target models.Version) (map[int64]map[[32]byte]*[32]byte, error) {
	startTs, err := resolveTimestamp(ctx, q, start)
	if err != nil {
		return nil, err
	}
	targetTs, err := resolveTimestamp(ctx, q, &target)
	if err != nil {
		return nil, err
	}

	var lo, hi time.Time
	forward := !startTs.After(targetTs)
	if forward {
		lo, hi = startTs, targetTs
	} else {
		lo, hi = targetTs, startTs
	}

	sqlStr, args, err := psql.Select("cs.account_id", "cs.slot", "cs.value", "cs.previous_value", "cs.valid_from", "cs.ordinal").
		From("contract_storage cs").
		Join("account a ON a.id = cs.account_id").
		Where(sq.Eq{"a.chain_id": chainID}).
		Where(sq.Gt{"cs.valid_from": lo}).
		Where(sq.LtOrEq{"cs.valid_from": hi}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("contractgw: build slots delta query: %w", err)
	}
	dbRows, err := q.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("contractgw: query slots delta: %w", err)
	}
	defer dbRows.Close()

	byAccount := map[int64][]versioning.DeltaSourceRow[[32]byte]{}
	for dbRows.Next() {
		var accountID int64
		var slotBytes, value, previousValue []byte
		var validFrom time.Time
		var ordinal int64
		if err := dbRows.Scan(&accountID, &slotBytes, &value, &previousValue, &validFrom, &ordinal); err != nil {
			return nil, fmt.Errorf("contractgw: scan slots delta row: %w", err)
		}
		var slot [32]byte
		copy(slot[:], slotBytes)
		byAccount[accountID] = append(byAccount[accountID], versioning.DeltaSourceRow[[32]byte]{
			Key: slot, ValidFrom: validFrom, Ordinal: ordinal, Value: value, PreviousValue: previousValue,
		})
	}
	if err := dbRows.Err(); err != nil {
		return nil, err
	}

	out := make(map[int64]map[[32]byte]*[32]byte, len(byAccount))
	for accountID, rows := range byAccount {
		var delta map[[32]byte][]byte
		if forward {
			delta = versioning.ForwardDelta(rows)
		} else {
			delta = versioning.ReverseDelta(rows, nil)
		}
		slotMap := make(map[[32]byte]*[32]byte, len(delta))
		for slot, value := range delta {
			if value == nil {
				slotMap[slot] = nil
				continue
			}
			var v [32]byte
			copy(v[:], value)
			slotMap[slot] = &v
		}
		out[accountID] = slotMap
	}
	return out, nil
}

// RevertContractState implements the contract-side half of the revert
// protocol: delete blocks past `to`, re-open rows closed by the deleted
// tip, and un-delete accounts closed by it.
func (g *Gateway) RevertContractState(ctx context.Context, tx pgx.Tx, q registry.Querier, to models.BlockIdentifier) error {
	block, err := registry.ResolveBlock(ctx, tx, to)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(ctx, "DELETE FROM block WHERE chain_id = $1 AND number > $2", block.ChainID, block.Number); err != nil {
		return storeerr.FromPgError(err, "block")
	}

	for _, table := range []string{"contract_storage", "account_balance", "contract_code"} {
		sqlStr, args, err := psql.Update(table).
			Set("valid_to", nil).
			Where(sq.Gt{"valid_to": block.Ts}).
			ToSql()
		if err != nil {
			return fmt.Errorf("contractgw: build %s reopen: %w", table, err)
		}
		if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
			return storeerr.FromPgError(err, table)
		}
	}

	sqlStr, args, err := psql.Update("account").
		Set("deleted_at", nil).
		Set("deletion_tx", nil).
		Where(sq.Gt{"deleted_at": block.Ts}).
		ToSql()
	if err != nil {
		return fmt.Errorf("contractgw: build account undelete: %w", err)
	}
	if _, err := tx.Exec(ctx, sqlStr, args...); err != nil {
		return storeerr.FromPgError(err, "account")
	}
	return nil
}
