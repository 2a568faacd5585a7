package errors

import (
	"errors"
	"fmt"
)

// StaleTransitionError marks a mutation that no longer applies given the
// job's current state. Callers treat it as a no-op success: the desired
// end-state is already held by whoever won the race.
type StaleTransitionError struct {
	JobID   string
	Op      string
	Current string
}

func (e *StaleTransitionError) Error() string {
	return fmt.Sprintf("stale transition: op %q does not apply to job %s in state %q", e.Op, e.JobID, e.Current)
}

func IsStaleTransition(err error) bool {
	var st *StaleTransitionError
	return errors.As(err, &st)
}

// ValidationError rejects a malformed request before it touches the job store.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s", e.Reason)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// NotFoundError marks a reference to a job that does not exist.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown job %s", e.JobID)
}

func IsNotFound(err error) bool {
	var n *NotFoundError
	return errors.As(err, &n)
}

// ChunkProcessingError fails the whole job: downstream merge correctness
// depends on every ordinal chunk being present.
type ChunkProcessingError struct {
	ChunkIndex int
	Err        error
}

func (e *ChunkProcessingError) Error() string {
	return fmt.Sprintf("chunk %d processing failed: %v", e.ChunkIndex, e.Err)
}

func (e *ChunkProcessingError) Unwrap() error { return e.Err }

// MergeError fails the whole job but chunk artifacts are retained for manual
// recovery.
type MergeError struct {
	Err error
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge failed: %v", e.Err)
}

func (e *MergeError) Unwrap() error { return e.Err }

// DependencyError surfaces an unreachable collaborator (object store gateway,
// transcoder) to the caller. The job is left in its current phase so an
// external retry decision can be made.
type DependencyError struct {
	Dependency string
	Err        error
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("dependency %s unavailable: %v", e.Dependency, e.Err)
}

func (e *DependencyError) Unwrap() error { return e.Err }

func IsDependency(err error) bool {
	var d *DependencyError
	return errors.As(err, &d)
}

type unretriableError struct {
	err error
}

func (e unretriableError) Error() string { return e.err.Error() }
func (e unretriableError) Unwrap() error { return e.err }

// Unretriable wraps an error to signal that re-running the operation cannot
// succeed, so callers should not schedule a retry.
func Unretriable(err error) error {
	return unretriableError{err}
}

func IsUnretriable(err error) bool {
	return errors.As(err, &unretriableError{})
}
