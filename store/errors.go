package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist.
	ErrNotFound = errors.New("activities: entity not found")

	// ErrInvalidReference is returned when a write references an entity that doesn't exist.
	ErrInvalidReference = errors.New("activities: invalid reference")

	// ErrSchemaViolation is returned when a stored key or item cannot be decoded.
	ErrSchemaViolation = errors.New("activities: schema violation")

	// ErrPartialWrite is returned when a multi-item write was not applied as a unit.
	ErrPartialWrite = errors.New("activities: partial write failure")

	// ErrStoreUnavailable is returned when the underlying table is transiently unreachable.
	ErrStoreUnavailable = errors.New("activities: store unavailable")

	// ErrInvalidInput is returned when mutation input fails validation.
	ErrInvalidInput = errors.New("activities: invalid input")

	// ErrInvalidPageToken is returned when a pagination token cannot be decoded.
	ErrInvalidPageToken = errors.New("activities: invalid page token")

	// ErrConditionFailed is returned by a Transactor when an existence check fails.
	ErrConditionFailed = errors.New("activities: condition check failed")
)

// ConditionFailedError reports which operation of a transaction failed its check.
type ConditionFailedError struct {
	// Index is the position of the failing WriteOp.
	Index int
}

func (e *ConditionFailedError) Error() string {
	return fmt.Sprintf("activities: condition check failed at operation %d", e.Index)
}

func (e *ConditionFailedError) Unwrap() error { return ErrConditionFailed }

// PartialWriteError describes a non-atomic commit that failed part way.
type PartialWriteError struct {
	// Mutation names the operation being committed (e.g. "createProject").
	Mutation string

	// Written lists the keys attempted before the commit stopped, including
	// the one whose write failed.
	Written []Key

	// RolledBack is true when every written key was removed again.
	RolledBack bool

	// Err is the write failure that interrupted the commit.
	Err error
}

func (e *PartialWriteError) Error() string {
	keys := make([]string, len(e.Written))
	for i, k := range e.Written {
		keys[i] = k.String()
	}
	state := "rollback incomplete"
	if e.RolledBack {
		state = "rolled back"
	}
	return fmt.Sprintf("activities: partial write failure in %s (%s, written: [%s]): %v",
		e.Mutation, state, strings.Join(keys, ", "), e.Err)
}

func (e *PartialWriteError) Unwrap() []error { return []error{ErrPartialWrite, e.Err} }
