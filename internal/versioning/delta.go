package versioning

import "time"

// DeltaSourceRow is the minimal shape the delta engine needs from a
// delta-versioned row: its entity key, the ordering pair used to break
// ties within a block (valid_from, ordinal), its validity window and its
// current/previous values.
type DeltaSourceRow[K comparable] struct {
	Key           K
	ValidFrom     time.Time
	Ordinal       int64
	ValidTo       *time.Time
	Value         []byte // nil means deleted
	PreviousValue []byte
}

// ForwardDelta computes the map of entity key -> value representing the
// last write within (start, target] for each entity key - i.e. applying
// this delta to the state at start yields the state at target, start <
// target.
//
// Candidate rows must already be filtered to valid_from > start.ts AND
// valid_from <= target.ts for the chain/scope in question; ForwardDelta
// only picks, per entity key, the row with the greatest (valid_from,
// ordinal) among the candidates handed to it.
func ForwardDelta[K comparable](rows []DeltaSourceRow[K]) map[K][]byte {
	best := map[K]DeltaSourceRow[K]{}
	for _, row := range rows {
		if cur, ok := best[row.Key]; !ok || isLater(row, cur) {
			best[row.Key] = row
		}
	}
	out := make(map[K][]byte, len(best))
	for k, row := range best {
		out[k] = row.Value
	}
	return out
}

// ReverseDelta computes the map of entity key -> value needed to undo
// changes back to target, given start > target: applying this delta to
// the state at start yields the state at target.
//
// revertedUpdates must be filtered to valid_from > target.ts AND
// valid_from <= start.ts; for each entity key the row with the smallest
// (valid_from, ordinal) in that set is picked and its previous_value is
// emitted (nil previous_value means the attribute didn't exist at target
// and should be removed).
//
// reinstatedDeletions (protocol-state only) must be filtered to valid_to
// > target.ts AND valid_to <= start.ts AND valid_from <= target.ts, with
// rows whose entity key is currently valid at start.ts already excluded
// by the caller (the anti-join against rows valid at start); their
// current Value is what gets reinstated.
func ReverseDelta[K comparable](revertedUpdates []DeltaSourceRow[K], reinstatedDeletions []DeltaSourceRow[K]) map[K][]byte {
	out := map[K][]byte{}
	earliest := map[K]DeltaSourceRow[K]{}
	for _, row := range revertedUpdates {
		if cur, ok := earliest[row.Key]; !ok || isEarlier(row, cur) {
			earliest[row.Key] = row
		}
	}
	for k, row := range earliest {
		out[k] = row.PreviousValue
	}
	for _, row := range reinstatedDeletions {
		out[row.Key] = row.Value
	}
	return out
}

func isLater[K comparable](a, b DeltaSourceRow[K]) bool {
	if !a.ValidFrom.Equal(b.ValidFrom) {
		return a.ValidFrom.After(b.ValidFrom)
	}
	return a.Ordinal > b.Ordinal
}

func isEarlier[K comparable](a, b DeltaSourceRow[K]) bool {
	if !a.ValidFrom.Equal(b.ValidFrom) {
		return a.ValidFrom.Before(b.ValidFrom)
	}
	return a.Ordinal < b.Ordinal
}
