// Package protocolgw implements the protocol component/state/balance
// gateway: the C5 mirror of contractgw for on-chain protocol entities
// (AMM pools and similar market primitives) rather than raw accounts.
package protocolgw

import (
	"time"

	"github.com/withobsrvr/chainstate/internal/models"
)

// ComponentState is the assembled, per-component view returned by
// GetProtocolStates: the union of latest-per-attribute values visible
// at the requested version, plus the hash of the transaction that most
// recently touched any of them.
type ComponentState struct {
	ComponentExternalID string
	Attributes           map[string][]byte
	ModifyTxHash          []byte
}

// ProtocolStateDeltaInput is one upstream attribute-delta batch entry,
// keyed by the component's external id and anchored to the transaction
// that produced it.
type ProtocolStateDeltaInput struct {
	TxHash      []byte
	ComponentID string // external id
	Updates     map[string][]byte
	Deleted     []string
}

// stateEntityKey identifies a (component, attribute) versioned slot.
type stateEntityKey struct {
	ComponentID   int64
	AttributeName string
}

type stateRow struct {
	row *models.ProtocolState
}

func (r stateRow) EntityKey() stateEntityKey {
	return stateEntityKey{ComponentID: r.row.ProtocolComponentID, AttributeName: r.row.AttributeName}
}
func (r stateRow) ValidFrom() time.Time      { return r.row.ValidFrom }
func (r stateRow) SetValidTo(t time.Time)    { r.row.ValidTo = &t }
func (r stateRow) Value() []byte             { return r.row.AttributeValue }
func (r stateRow) SetPreviousValue(v []byte) { r.row.PreviousValue = v }

// balanceEntityKey identifies a (component, token) versioned balance.
type balanceEntityKey struct {
	ComponentID int64
	TokenID     int64
}

type balanceRow struct {
	row *models.ComponentBalance
}

func (r balanceRow) EntityKey() balanceEntityKey {
	return balanceEntityKey{ComponentID: r.row.ProtocolComponentID, TokenID: r.row.TokenID}
}
func (r balanceRow) ValidFrom() time.Time      { return r.row.ValidFrom }
func (r balanceRow) SetValidTo(t time.Time)    { r.row.ValidTo = &t }
func (r balanceRow) Value() []byte             { return r.row.NewBalance }
func (r balanceRow) SetPreviousValue(v []byte) { r.row.PreviousValue = v }

// BalanceChange is one upstream component-balance observation.
type BalanceChange struct {
	TxHash      []byte
	ComponentID string // external id
	TokenID     int64
	NewBalance  []byte
	BalanceFloat float64
}
