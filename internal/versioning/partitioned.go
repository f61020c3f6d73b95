package versioning

import "time"

// PartitionedRow is the shape apply_partitioned_versioning operates on: a
// row belonging to a retention-partitioned table, identified by an entity
// id, with its valid_to routing it into a date-range partition (or the
// default partition when still open).
type PartitionedRow[K comparable] interface {
	EntityID() K
	GetValidTo() time.Time
	// Archive returns a copy of the receiver with valid_to set to the
	// valid_from of next, modelling the row being superseded.
	Archive(next PartitionedRow[K]) PartitionedRow[K]
	// Delete returns a copy of the receiver with valid_to set to
	// deleteVersion, modelling the row being closed by a deletion rather
	// than superseded by a new version.
	Delete(deleteVersion time.Time) PartitionedRow[K]
}

// ApplyPartitionedVersioning computes, from the current db rows plus the
// new incoming rows, the set that should be upserted into the default
// partition ("latest") and the set that should be inserted into archive
// (date-ranged) partitions, dropping any archive row whose valid_to falls
// at or before the retention horizon.
//
// allRows must already include every row touched by newRows or deletions -
// i.e. the caller has looked up the latest versions by id and appended
// newRows to the result before calling this, since the function itself
// only chains existing rows with incoming ones to compute latest/archive
// sets.
func ApplyPartitionedVersioning[K comparable](allRows []PartitionedRow[K], deleteVersions map[K]time.Time, retentionHorizon time.Time) (latest []PartitionedRow[K], archive []PartitionedRow[K]) {
	if len(allRows) == 0 && len(deleteVersions) == 0 {
		return nil, nil
	}
	current := map[K]PartitionedRow[K]{}
	for _, row := range allRows {
		id := row.EntityID()
		if delVer, deleted := deleteVersions[id]; deleted {
			archive = append(archive, row.Delete(delVer))
			continue
		}
		if prev, ok := current[id]; ok {
			archive = append(archive, prev.Archive(row))
		}
		current[id] = row
	}
	for _, row := range current {
		latest = append(latest, row)
	}
	filtered := archive[:0:0]
	for _, row := range archive {
		if row.GetValidTo().After(retentionHorizon) {
			filtered = append(filtered, row)
		}
	}
	return latest, filtered
}
