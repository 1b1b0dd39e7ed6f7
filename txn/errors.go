package txn

import (
	"fmt"

	"github.com/pkg/errors"
)

// NotFoundError is returned for an id that was never issued or whose record
// has been garbage collected.
type NotFoundError struct {
	TxnID uint64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("transaction %d not found", e.TxnID)
}

// NotActiveError is returned when an operation needs an ACTIVE transaction,
// e.g. committing a rolled back one or beginning a child of a finished parent.
type NotActiveError struct {
	TxnID uint64
	State State
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("transaction %d is not active: %s", e.TxnID, e.State)
}

// IllegalTransitionError is returned when a terminal state would be replaced
// by the opposite one, e.g. rolling back a committed transaction.
type IllegalTransitionError struct {
	TxnID uint64
	From  State
	To    State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("transaction %d: illegal transition %s -> %s", e.TxnID, e.From, e.To)
}

// TimestampAllocationError is returned when no id can be handed out. The
// begin attempt fails; the caller may retry.
type TimestampAllocationError struct {
	Reason string
	Err    error
}

func (e *TimestampAllocationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("timestamp allocation failed: %s: %v", e.Reason, e.Err)
	}
	return "timestamp allocation failed: " + e.Reason
}

func (e *TimestampAllocationError) Unwrap() error {
	return e.Err
}

func (e *TimestampAllocationError) Cause() error {
	return e.Err
}

// StoreUnavailableError wraps a failure of the backing engine.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("transaction store unavailable during %s: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

func (e *StoreUnavailableError) Cause() error {
	return e.Err
}

// WriteConflictError is returned when a write collides with a concurrent
// writer of the same row.
type WriteConflictError struct {
	TxnID      uint64
	ConflictID uint64
	Table      string
	Row        []byte
}

func (e *WriteConflictError) Error() string {
	return fmt.Sprintf("write conflict: txn %d and txn %d both wrote %s/%q", e.TxnID, e.ConflictID, e.Table, e.Row)
}

// UndeclaredTableError is returned when a transaction writes outside its
// declared destination tables.
type UndeclaredTableError struct {
	TxnID uint64
	Table string
}

func (e *UndeclaredTableError) Error() string {
	return fmt.Sprintf("transaction %d did not declare table %s as a destination", e.TxnID, e.Table)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsNotActive(err error) bool {
	var target *NotActiveError
	return errors.As(err, &target)
}

func IsIllegalTransition(err error) bool {
	var target *IllegalTransitionError
	return errors.As(err, &target)
}

func IsStoreUnavailable(err error) bool {
	var target *StoreUnavailableError
	return errors.As(err, &target)
}

func IsWriteConflict(err error) bool {
	var target *WriteConflictError
	return errors.As(err, &target)
}

// IsRetryable reports whether the caller may simply try again: transient
// store failures, allocation failures and write conflicts (with a new txn).
func IsRetryable(err error) bool {
	var alloc *TimestampAllocationError
	return IsStoreUnavailable(err) || IsWriteConflict(err) || errors.As(err, &alloc)
}
