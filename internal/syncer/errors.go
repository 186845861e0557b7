package syncer

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/fleetsync/internal/protocol"
)

var (
	// ErrNetworkUnavailable indicates the backend could not be reached or did not answer.
	ErrNetworkUnavailable = errors.New("syncer: network unavailable")
	// ErrBackendRejected indicates the backend answered and refused the mutation.
	ErrBackendRejected = errors.New("syncer: backend rejected mutation")
	// ErrMissingBackend indicates that an executor was built without a backend.
	ErrMissingBackend = errors.New("syncer: backend is required")
	// ErrMissingStore indicates that a log or cache was built without a key/value store.
	ErrMissingStore = errors.New("syncer: key/value store is required")
)

// Failure classifies an execution error.
type Failure int

const (
	FailureNetwork Failure = iota
	FailureRejected
)

func (f Failure) String() string {
	if f == FailureRejected {
		return "rejected"
	}
	return "network"
}

// ExecutionError is returned by Executor.Execute.
type ExecutionError struct {
	Failure Failure
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("syncer: %s failure: %v", e.Failure, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is matches ErrBackendRejected and ErrNetworkUnavailable by failure class.
func (e *ExecutionError) Is(target error) bool {
	switch target {
	case ErrBackendRejected:
		return e.Failure == FailureRejected
	case ErrNetworkUnavailable:
		return e.Failure == FailureNetwork
	}
	return false
}

func classify(err error) *ExecutionError {
	var executionErr *ExecutionError
	if errors.As(err, &executionErr) {
		return executionErr
	}
	if errors.Is(err, protocol.ErrRejected) || errors.Is(err, ErrInvalidMutation) {
		return &ExecutionError{Failure: FailureRejected, Err: err}
	}
	return &ExecutionError{Failure: FailureNetwork, Err: err}
}
