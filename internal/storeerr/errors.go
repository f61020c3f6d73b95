// Package storeerr defines the typed error kinds the storage engine
// surfaces to its callers, per the error handling design: NotFound,
// NoRelatedEntity, DuplicateEntry, DecodeError, Unsupported and Unexpected
// are never swallowed at the storage layer.
package storeerr

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// NotFound indicates the requested row does not exist.
type NotFound struct {
	Entity string
	ID     string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Entity, e.ID)
}

// NotFoundf builds a NotFound error for entity identified by id.
func NotFoundf(entity string, id any) error {
	return &NotFound{Entity: entity, ID: fmt.Sprint(id)}
}

// NoRelatedEntity indicates a required foreign entity is absent, usually a
// Transaction or Account referenced by hash/address that was never
// ingested.
type NoRelatedEntity struct {
	Missing     string
	Referencing string
	ID          string
}

func (e *NoRelatedEntity) Error() string {
	return fmt.Sprintf("%s %s required by %s not found", e.Missing, e.ID, e.Referencing)
}

// NoRelatedEntityf builds a NoRelatedEntity error.
func NoRelatedEntityf(missing, referencing string, id any) error {
	return &NoRelatedEntity{Missing: missing, Referencing: referencing, ID: fmt.Sprint(id)}
}

// DuplicateEntry indicates a unique-key violation surfaced by the database.
type DuplicateEntry struct {
	Entity string
	ID     string
}

func (e *DuplicateEntry) Error() string {
	return fmt.Sprintf("duplicate %s: %s", e.Entity, e.ID)
}

// DuplicateEntryf builds a DuplicateEntry error.
func DuplicateEntryf(entity string, id any) error {
	return &DuplicateEntry{Entity: entity, ID: fmt.Sprint(id)}
}

// DecodeError indicates a stored byte string does not satisfy a
// length/format constraint (e.g. a slot key that isn't 32 bytes).
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %s", e.Reason)
}

// DecodeErrorf builds a DecodeError.
func DecodeErrorf(format string, args ...any) error {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// Unsupported indicates a requested operation or feature is not
// implemented, e.g. VersionKind::First.
type Unsupported struct {
	Feature string
}

func (e *Unsupported) Error() string {
	return fmt.Sprintf("unsupported: %s", e.Feature)
}

// Unsupportedf builds an Unsupported error.
func Unsupportedf(format string, args ...any) error {
	return &Unsupported{Feature: fmt.Sprintf(format, args...)}
}

// Unexpected indicates an invariant was violated - a data-integrity bug.
// It is never recovered locally and must surface to the caller.
type Unexpected struct {
	Reason string
}

func (e *Unexpected) Error() string {
	return fmt.Sprintf("unexpected: %s", e.Reason)
}

// Unexpectedf builds an Unexpected error.
func Unexpectedf(format string, args ...any) error {
	return &Unexpected{Reason: fmt.Sprintf(format, args...)}
}

// FromPgError translates a Postgres constraint violation into one of our
// typed kinds. Returns the original error unchanged if it isn't a
// recognised pgconn.PgError code.
func FromPgError(err error, entity string) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		return &DuplicateEntry{Entity: entity, ID: pgErr.ConstraintName}
	case "23503": // foreign_key_violation
		return &NoRelatedEntity{Missing: pgErr.ConstraintName, Referencing: entity, ID: pgErr.Detail}
	default:
		return err
	}
}

// IsNotFound reports whether err (or a wrapped cause) is a NotFound.
func IsNotFound(err error) bool {
	var e *NotFound
	return errors.As(err, &e)
}

// IsUnexpected reports whether err (or a wrapped cause) is an Unexpected.
func IsUnexpected(err error) bool {
	var e *Unexpected
	return errors.As(err, &e)
}
