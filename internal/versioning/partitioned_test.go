package versioning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakePartRow struct {
	id      string
	validTo time.Time
}

func (r fakePartRow) EntityID() string        { return r.id }
func (r fakePartRow) GetValidTo() time.Time    { return r.validTo }
func (r fakePartRow) Archive(next PartitionedRow[string]) PartitionedRow[string] {
	r.validTo = next.(fakePartRow).validTo
	return r
}
func (r fakePartRow) Delete(deleteVersion time.Time) PartitionedRow[string] {
	r.validTo = deleteVersion
	return r
}

func TestApplyPartitionedVersioningArchivesSuperseded(t *testing.T) {
	far := ts("9999-01-01T00:00:00")
	v1 := fakePartRow{id: "a", validTo: far}
	v2 := fakePartRow{id: "a", validTo: far}
	rows := []PartitionedRow[string]{v1, v2}

	latest, archive := ApplyPartitionedVersioning(rows, nil, ts("2000-01-01T00:00:00"))

	assert.Len(t, latest, 1)
	assert.Len(t, archive, 1)
	assert.Equal(t, far, archive[0].GetValidTo())
}

func TestApplyPartitionedVersioningFiltersByRetentionHorizon(t *testing.T) {
	old := ts("2019-01-01T00:00:00")
	v1 := fakePartRow{id: "a", validTo: old}
	v2 := fakePartRow{id: "a", validTo: old}
	rows := []PartitionedRow[string]{v1, v2}

	// archive row's valid_to (v2's, used to close v1) ends up as old via
	// Archive; retention horizon after `old` should drop it.
	latest, archive := ApplyPartitionedVersioning(rows, nil, ts("2020-01-01T00:00:00"))

	assert.Len(t, latest, 1)
	assert.Empty(t, archive, "archive row older than retention horizon must be dropped")
}

func TestApplyPartitionedVersioningHandlesDeletions(t *testing.T) {
	v1 := fakePartRow{id: "a", validTo: ts("9999-01-01T00:00:00")}
	deleteAt := ts("2020-06-01T00:00:00")
	rows := []PartitionedRow[string]{v1}

	latest, archive := ApplyPartitionedVersioning(rows, map[string]time.Time{"a": deleteAt}, ts("2000-01-01T00:00:00"))

	assert.Empty(t, latest, "a deleted entity has no current row")
	assert.Len(t, archive, 1)
	assert.Equal(t, deleteAt, archive[0].GetValidTo())
}
