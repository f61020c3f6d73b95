package models

import "fmt"

// AccountUpdate carries the balance/code/slot changes the extractor
// observed for a single contract within one transaction.
type AccountUpdate struct {
	Address []byte
	Balance []byte // nil if unchanged
	Code    []byte // nil if unchanged
	Slots   map[[32]byte]*[32]byte // slot -> value, nil value = deletion
}

// ProtocolStateDelta carries the attribute changes the extractor observed
// for a single protocol component within one transaction.
type ProtocolStateDelta struct {
	ComponentID string
	Updates     map[string][]byte // attribute_name -> new value
	Deleted     []string          // attribute names removed
}

// TxWithChanges is the unit the upstream extractor submits per transaction.
type TxWithChanges struct {
	Tx                 Transaction
	BlockHash          []byte
	ProtocolComponents map[string]ProtocolComponent
	AccountUpdates     map[string]AccountUpdate // keyed by hex address
	StateUpdates       map[string]ProtocolStateDelta
	BalanceChanges     map[string]map[int64]ComponentBalance // component -> token -> balance
}

// AggregatedBlockChanges is the in-memory merge of every TxWithChanges
// belonging to one block, plus the revert flag the extractor uses to
// signal that this block replaces a previously-seen branch.
type AggregatedBlockChanges struct {
	BlockHash          []byte
	Revert             bool
	ProtocolComponents map[string]ProtocolComponent
	AccountUpdates     map[string]AccountUpdate
	StateUpdates       map[string]ProtocolStateDelta
	BalanceChanges     map[string]map[int64]ComponentBalance
	LastTx             Transaction
}

// NewAggregatedBlockChanges seeds an aggregate from the first transaction
// of a block.
func NewAggregatedBlockChanges(first TxWithChanges, revert bool) *AggregatedBlockChanges {
	agg := &AggregatedBlockChanges{
		BlockHash:          first.BlockHash,
		Revert:             revert,
		ProtocolComponents: map[string]ProtocolComponent{},
		AccountUpdates:     map[string]AccountUpdate{},
		StateUpdates:       map[string]ProtocolStateDelta{},
		BalanceChanges:     map[string]map[int64]ComponentBalance{},
		LastTx:             first.Tx,
	}
	agg.merge(first)
	return agg
}

// Merge folds another TxWithChanges into the aggregate. Per spec, merging
// is only valid when both share the same block hash, have differing tx
// hashes, and the incoming transaction has a strictly higher index than
// the one last merged; merging is right-biased (the later transaction
// wins on any key collision) with per-key recursion into balances and
// state deltas.
func (a *AggregatedBlockChanges) Merge(next TxWithChanges) error {
	if string(next.BlockHash) != string(a.BlockHash) {
		return fmt.Errorf("cannot merge changes from block %x into aggregate for block %x", next.BlockHash, a.BlockHash)
	}
	if string(next.Tx.Hash) == string(a.LastTx.Hash) {
		return fmt.Errorf("cannot merge duplicate transaction %x", next.Tx.Hash)
	}
	if next.Tx.Index <= a.LastTx.Index {
		return fmt.Errorf("cannot merge transaction %x out of order: index %d <= %d", next.Tx.Hash, next.Tx.Index, a.LastTx.Index)
	}
	a.merge(next)
	a.LastTx = next.Tx
	return nil
}

func (a *AggregatedBlockChanges) merge(next TxWithChanges) {
	for id, pc := range next.ProtocolComponents {
		a.ProtocolComponents[id] = pc // right-biased: later tx wins
	}
	for addr, upd := range next.AccountUpdates {
		if existing, ok := a.AccountUpdates[addr]; ok {
			a.AccountUpdates[addr] = mergeAccountUpdate(existing, upd)
		} else {
			a.AccountUpdates[addr] = upd
		}
	}
	for cid, delta := range next.StateUpdates {
		if existing, ok := a.StateUpdates[cid]; ok {
			a.StateUpdates[cid] = mergeStateDelta(existing, delta)
		} else {
			a.StateUpdates[cid] = delta
		}
	}
	for cid, byToken := range next.BalanceChanges {
		if _, ok := a.BalanceChanges[cid]; !ok {
			a.BalanceChanges[cid] = map[int64]ComponentBalance{}
		}
		for tokenID, bal := range byToken {
			a.BalanceChanges[cid][tokenID] = bal // later tx wins
		}
	}
}

func mergeAccountUpdate(base, next AccountUpdate) AccountUpdate {
	merged := base
	if next.Balance != nil {
		merged.Balance = next.Balance
	}
	if next.Code != nil {
		merged.Code = next.Code
	}
	if len(next.Slots) > 0 {
		if merged.Slots == nil {
			merged.Slots = map[[32]byte]*[32]byte{}
		} else {
			cp := make(map[[32]byte]*[32]byte, len(merged.Slots))
			for k, v := range merged.Slots {
				cp[k] = v
			}
			merged.Slots = cp
		}
		for slot, val := range next.Slots {
			merged.Slots[slot] = val
		}
	}
	return merged
}

func mergeStateDelta(base, next ProtocolStateDelta) ProtocolStateDelta {
	merged := ProtocolStateDelta{
		ComponentID: base.ComponentID,
		Updates:     map[string][]byte{},
	}
	for k, v := range base.Updates {
		merged.Updates[k] = v
	}
	deletedSet := map[string]bool{}
	for _, k := range base.Deleted {
		deletedSet[k] = true
	}
	for k, v := range next.Updates {
		merged.Updates[k] = v
		delete(deletedSet, k)
	}
	for _, k := range next.Deleted {
		deletedSet[k] = true
		delete(merged.Updates, k)
	}
	for k := range deletedSet {
		merged.Deleted = append(merged.Deleted, k)
	}
	return merged
}

// NormalisedMessageKind tags the concrete payload carried by a
// NormalisedMessage, standing in for the upstream's runtime-polymorphic
// message type in a language without reflection-based dynamic dispatch.
type NormalisedMessageKind string

const (
	NormalisedBlockChanges  NormalisedMessageKind = "block_changes"
	NormalisedBlockUndo     NormalisedMessageKind = "block_undo"
	NormalisedProgress      NormalisedMessageKind = "progress"
)

// NormalisedMessage is a tagged-union envelope for messages arriving from
// the extraction pipeline.
type NormalisedMessage struct {
	Kind        NormalisedMessageKind
	BlockChange *AggregatedBlockChanges
	RevertTo    *BlockIdentifier
	Cursor      []byte
}
