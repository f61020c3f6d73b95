package versioning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ts(s string) time.Time {
	t, err := time.Parse("2006-01-02T15:04:05", s)
	if err != nil {
		panic(err)
	}
	return t
}

func b(v byte) []byte { return []byte{v} }

// TestForwardDelta mirrors spec.md §8.2 scenario 4: contract c0's storage
// window 2020-01-01T00:00:00 -> 2020-01-01T02:00:00 should surface the
// latest write per slot within the window.
func TestForwardDelta(t *testing.T) {
	rows := []DeltaSourceRow[int]{
		{Key: 0, ValidFrom: ts("2020-01-01T00:00:00"), Ordinal: 0, Value: b(1)},
		{Key: 0, ValidFrom: ts("2020-01-01T01:00:00"), Ordinal: 0, Value: b(2)},
		{Key: 1, ValidFrom: ts("2020-01-01T01:00:00"), Ordinal: 0, Value: b(3)},
		{Key: 5, ValidFrom: ts("2020-01-01T01:00:00"), Ordinal: 0, Value: b(25)},
		{Key: 6, ValidFrom: ts("2020-01-01T01:00:00"), Ordinal: 1, Value: b(30)},
	}
	got := ForwardDelta(rows)
	assert.Equal(t, map[int][]byte{0: b(2), 1: b(3), 5: b(25), 6: b(30)}, got)
}

// TestForwardDeltaTieBreak verifies the ordinal is used to break ties when
// two writes land on the same valid_from.
func TestForwardDeltaTieBreak(t *testing.T) {
	same := ts("2020-01-01T01:00:00")
	rows := []DeltaSourceRow[int]{
		{Key: 0, ValidFrom: same, Ordinal: 0, Value: b(1)},
		{Key: 0, ValidFrom: same, Ordinal: 2, Value: b(9)},
	}
	got := ForwardDelta(rows)
	assert.Equal(t, b(9), got[0])
}

// TestReverseDelta mirrors spec.md §8.2 scenario 5: reverting from
// 2020-01-01T02:00:00 back to 2020-01-01T00:00:00 should restore previous
// values for slots changed after the target, and remove slots that did
// not exist at the target (nil previous_value).
func TestReverseDelta(t *testing.T) {
	reverted := []DeltaSourceRow[int]{
		// slot 0: earliest write within (target, start] had previous value 1
		{Key: 0, ValidFrom: ts("2020-01-01T01:00:00"), Ordinal: 0, PreviousValue: b(1)},
		{Key: 1, ValidFrom: ts("2020-01-01T01:00:00"), Ordinal: 0, PreviousValue: b(5)},
		{Key: 5, ValidFrom: ts("2020-01-01T01:00:00"), Ordinal: 0, PreviousValue: nil},
		{Key: 6, ValidFrom: ts("2020-01-01T01:00:00"), Ordinal: 1, PreviousValue: nil},
	}
	got := ReverseDelta(reverted, nil)
	assert.Equal(t, b(1), got[0])
	assert.Equal(t, b(5), got[1])
	assert.Nil(t, got[5])
	assert.Nil(t, got[6])
	assert.Len(t, got, 4)
}

func TestReverseDeltaReinstatesDeletions(t *testing.T) {
	reinstated := []DeltaSourceRow[string]{
		{Key: "reserve0", Value: b(42)},
	}
	got := ReverseDelta[string](nil, reinstated)
	assert.Equal(t, b(42), got["reserve0"])
}

func TestReverseDeltaPicksEarliestOnTie(t *testing.T) {
	same := ts("2020-01-01T01:00:00")
	reverted := []DeltaSourceRow[int]{
		{Key: 0, ValidFrom: same, Ordinal: 3, PreviousValue: b(9)},
		{Key: 0, ValidFrom: same, Ordinal: 1, PreviousValue: b(1)},
	}
	got := ReverseDelta(reverted, nil)
	assert.Equal(t, b(1), got[0])
}
