/*
errors.go - Centralized error types for the device ledger

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on sentinels with errors.Is and pull conflict details
  out of the structured types with errors.As.

ERROR CATEGORIES:
  1. Validation errors - the proposed history is inconsistent (never retried)
  2. Policy errors - the operation is not allowed in the column's state
  3. Not-found errors - unknown column / assignment / stored history
  4. Storage errors - adapter failures, propagated unchanged

USAGE:
  _, err := ledger.Deregister(ctx, cmd)
  var sched *generic.ScheduledRegistrationError
  if errors.As(err, &sched) {
      // offer to cancel sched.Scheduled first
  }

SEE ALSO:
  - timeline.go: Produces the validation errors
  - devices/ledger.go: Produces the policy errors
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// Validation
	ErrColumnOverlap           = errors.New("column overlap")
	ErrMultipleOpenAssignments = errors.New("multiple open assignments")
	ErrInvalidInterval         = errors.New("invalid interval: end not after start")
	ErrInvalidDeviceID         = errors.New("invalid device id")
	ErrInvalidCorrection       = errors.New("correction changes nothing")
	ErrInvalidArena            = errors.New("invalid assignment arena")

	// Policy
	ErrColumnOccupied                            = errors.New("column occupied")
	ErrNoActiveAssignment                        = errors.New("no active assignment")
	ErrScheduledRegistrationBlocksDeregistration = errors.New("cannot deregister device with a scheduled (future) registration")
	ErrAlreadySuperseded                         = errors.New("assignment already superseded")
	ErrDeviceMismatch                            = errors.New("device is not the one registered")

	// Not found
	ErrNotFound           = errors.New("history not found")
	ErrColumnNotFound     = errors.New("column not found")
	ErrAssignmentNotFound = errors.New("assignment not found")

	// Storage
	ErrStorage                = errors.New("storage failure")
	ErrConcurrentModification = errors.New("concurrent modification detected")
	ErrCorruptHistory         = errors.New("stored device history cannot be decoded")
)

// =============================================================================
// STRUCTURED ERRORS - Carry column and conflicting entries
// =============================================================================

// OverlapError names two non-superseded entries whose intervals intersect.
type OverlapError struct {
	Column  ColumnID
	Earlier Assignment
	Later   Assignment
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("column %s: %s %s overlaps %s %s",
		e.Column, e.Earlier.DeviceID, e.Earlier.Interval, e.Later.DeviceID, e.Later.Interval)
}

func (e *OverlapError) Unwrap() error { return ErrColumnOverlap }

// MultipleOpenError reports unbounded entries that are not the single last one.
type MultipleOpenError struct {
	Column ColumnID
	Open   []Assignment
}

func (e *MultipleOpenError) Error() string {
	return fmt.Sprintf("column %s: %d devices active at the same time", e.Column, len(e.Open))
}

func (e *MultipleOpenError) Unwrap() error { return ErrMultipleOpenAssignments }

// IntervalError reports an entry whose end is not after its start.
type IntervalError struct {
	Column     ColumnID
	Assignment Assignment
}

func (e *IntervalError) Error() string {
	return fmt.Sprintf("column %s: %s has empty interval %s", e.Column, e.Assignment.DeviceID, e.Assignment.Interval)
}

func (e *IntervalError) Unwrap() error { return ErrInvalidInterval }

// DeviceIDError reports a device ID that does not match the column's format.
type DeviceIDError struct {
	Column   ColumnID
	DeviceID string
	Format   string
}

func (e *DeviceIDError) Error() string {
	if e.Format == "" {
		return fmt.Sprintf("column %s: device id must not be empty", e.Column)
	}
	return fmt.Sprintf("column %s: device id %q does not match %s", e.Column, e.DeviceID, e.Format)
}

func (e *DeviceIDError) Unwrap() error { return ErrInvalidDeviceID }

// OccupiedError reports the entry that blocks a registration.
type OccupiedError struct {
	Column   ColumnID
	Existing Assignment
}

func (e *OccupiedError) Error() string {
	return fmt.Sprintf("column %s is occupied by %s %s", e.Column, e.Existing.DeviceID, e.Existing.Interval)
}

func (e *OccupiedError) Unwrap() error { return ErrColumnOccupied }

// NoActiveAssignmentError reports a deregistration on an empty or closed column.
type NoActiveAssignmentError struct {
	Column ColumnID
}

func (e *NoActiveAssignmentError) Error() string {
	return fmt.Sprintf("column %s has no registered device", e.Column)
}

func (e *NoActiveAssignmentError) Unwrap() error { return ErrNoActiveAssignment }

// ScheduledRegistrationError reports the future entry that must be canceled
// before the column can be deregistered.
type ScheduledRegistrationError struct {
	Column    ColumnID
	Scheduled Assignment
}

func (e *ScheduledRegistrationError) Error() string {
	return fmt.Sprintf("column %s: %s is scheduled from %s; cancel it instead of deregistering",
		e.Column, e.Scheduled.DeviceID, e.Scheduled.Interval.Start)
}

func (e *ScheduledRegistrationError) Unwrap() error {
	return ErrScheduledRegistrationBlocksDeregistration
}

// InvalidHistoryError wraps a validation failure of a stored history for display.
type InvalidHistoryError struct {
	Column ColumnID
	Reason error
}

func (e *InvalidHistoryError) Error() string {
	return fmt.Sprintf("Device history for column %s is invalid: %v", e.Column, e.Reason)
}

func (e *InvalidHistoryError) Unwrap() error { return e.Reason }

// StorageError wraps an adapter failure with the operation and key.
type StorageError struct {
	Op  string
	Key HistoryKey
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidationError returns true if the proposed history itself is inconsistent.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrColumnOverlap) ||
		errors.Is(err, ErrMultipleOpenAssignments) ||
		errors.Is(err, ErrInvalidInterval) ||
		errors.Is(err, ErrInvalidDeviceID) ||
		errors.Is(err, ErrInvalidCorrection) ||
		errors.Is(err, ErrInvalidArena)
}

// IsPolicyError returns true if the operation is disallowed in the current state.
func IsPolicyError(err error) bool {
	return errors.Is(err, ErrColumnOccupied) ||
		errors.Is(err, ErrNoActiveAssignment) ||
		errors.Is(err, ErrScheduledRegistrationBlocksDeregistration) ||
		errors.Is(err, ErrAlreadySuperseded) ||
		errors.Is(err, ErrDeviceMismatch)
}

// IsNotFound returns true if the error indicates a missing column or entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrColumnNotFound) ||
		errors.Is(err, ErrAssignmentNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}
