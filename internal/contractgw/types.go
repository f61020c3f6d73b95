// Package contractgw implements the contract/account state gateway:
// resolving accounts, balances, code and storage slots at a point in
// time, ingesting new contract deployments and storage writes, and
// reverting state on a chain reorganisation.
package contractgw

import (
	"time"

	"github.com/withobsrvr/chainstate/internal/models"
)

// Contract is the assembled view returned by GetContract/GetContracts:
// an account plus its balance, code and (optionally) storage slots at
// the requested version.
type Contract struct {
	Account models.Account
	Balance *models.AccountBalance
	Code    *models.ContractCode
	Slots   map[[32]byte][32]byte // nil unless slots were requested
}

// AddContractInput describes a new contract deployment: the account
// itself plus its first balance and code rows, each anchored to a
// transaction identified by hash so the caller never has to know
// surrogate transaction ids.
type AddContractInput struct {
	ChainID      int64
	Address      []byte
	Title        string
	CreationTx   []byte // tx hash
	BalanceTx    []byte // tx hash that set the initial balance
	Balance      []byte
	CodeTx       []byte // tx hash that deployed the code
	Code         []byte
	CodeHash     []byte
}

// SlotChange is one (tx_hash, address, slot, value) write. A nil Value
// denotes the slot being cleared.
type SlotChange struct {
	TxHash  []byte
	Address []byte
	Slot    [32]byte
	Value   *[32]byte
}

// slotEntityKey is the (account_id, slot) entity key of contract_storage;
// slotRow adapts models.ContractStorage to the versioning.DeltaRow
// contract under that key.
type slotEntityKey struct {
	AccountID int64
	Slot      [32]byte
}

type slotRow struct {
	row *models.ContractStorage
}

func (r slotRow) EntityKey() slotEntityKey {
	var slot [32]byte
	copy(slot[:], r.row.Slot)
	return slotEntityKey{AccountID: r.row.AccountID, Slot: slot}
}
func (r slotRow) ValidFrom() time.Time       { return r.row.ValidFrom }
func (r slotRow) SetValidTo(t time.Time)     { r.row.ValidTo = &t }
func (r slotRow) Value() []byte              { return r.row.Value }
func (r slotRow) SetPreviousValue(v []byte)  { r.row.PreviousValue = v }

// balanceRow adapts models.AccountBalance to versioning.Row, keyed by
// account id (account balances are not delta-versioned: the engine
// always stores the full new balance, not a diff).
type balanceRow struct {
	row *models.AccountBalance
}

func (r balanceRow) EntityKey() int64      { return r.row.AccountID }
func (r balanceRow) ValidFrom() time.Time  { return r.row.ValidFrom }
func (r balanceRow) SetValidTo(t time.Time) { r.row.ValidTo = &t }

// codeRow adapts models.ContractCode to versioning.Row, keyed by
// account id.
type codeRow struct {
	row *models.ContractCode
}

func (r codeRow) EntityKey() int64       { return r.row.AccountID }
func (r codeRow) ValidFrom() time.Time   { return r.row.ValidFrom }
func (r codeRow) SetValidTo(t time.Time) { r.row.ValidTo = &t }
