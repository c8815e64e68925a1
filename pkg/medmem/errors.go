package medmem

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError reports an unknown entity id.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s: not found", e.Entity, e.ID)
}

// ConflictError reports a version mismatch on an optimistic write. Stored
// state is left unchanged.
type ConflictError struct {
	Entity   EntityType
	ID       string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %s: version conflict, expected %d but stored version is %d",
		e.Entity, e.ID, e.Expected, e.Actual)
}

// ValidationError reports a missing required field, an out-of-range value or
// an unknown enum value.
type ValidationError struct {
	Entity EntityType
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid %s: %s", e.Entity, e.Field, e.Reason)
}

// ForeignKeyError reports a reference to an absent or soft-deleted entity.
type ForeignKeyError struct {
	Entity  EntityType
	ID      string
	RefType EntityType
	RefID   string
	Deleted bool
}

func (e *ForeignKeyError) Error() string {
	state := "does not exist"
	if e.Deleted {
		state = "is deleted"
	}
	return fmt.Sprintf("%s %s: referenced %s %s %s", e.Entity, e.ID, e.RefType, e.RefID, state)
}

// UnsupportedOperationError reports a capability the active backend does not
// offer.
type UnsupportedOperationError struct {
	Backend   BackendKind
	Operation string
}

func (e *UnsupportedOperationError) Error() string {
	return fmt.Sprintf("%s backend does not support %s", e.Backend, e.Operation)
}

// PartialIngestError reports a multi-entity ingestion that partially
// committed. CommittedIDs lists every sub-entity write that succeeded so the
// caller can resume idempotently.
type PartialIngestError struct {
	CommittedIDs []string
	Failed       string
	Err          error
}

func (e *PartialIngestError) Error() string {
	return fmt.Sprintf("ingest partially committed (%s): failed writing %s: %v",
		strings.Join(e.CommittedIDs, ", "), e.Failed, e.Err)
}

func (e *PartialIngestError) Unwrap() error { return e.Err }

// BackendUnavailableError wraps a storage I/O failure.
type BackendUnavailableError struct {
	Backend BackendKind
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s backend unavailable: %v", e.Backend, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

func IsUnsupported(err error) bool {
	var u *UnsupportedOperationError
	return errors.As(err, &u)
}

func IsUnavailable(err error) bool {
	var b *BackendUnavailableError
	return errors.As(err, &b)
}
