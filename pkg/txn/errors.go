package txn

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrFenced is returned once a newer epoch exists for the transactional ID.
	// It is fatal: the producer moves to StateFenced and rejects every later call.
	ErrFenced = errors.New("producer fenced by a newer epoch")

	// ErrTransient is returned when the coordinator could not be reached or did
	// not answer in time. The call that returned it can be retried.
	ErrTransient = errors.New("transient transaction coordinator error")

	// ErrIncompatibleBroker is returned when the cluster does not support the
	// transactional protocol.
	ErrIncompatibleBroker = errors.New("broker does not support transactions")

	// ErrInvalidState is returned when an operation is called in the wrong state.
	ErrInvalidState = errors.New("invalid transaction state")

	// ErrAborted is set on records that were still buffered when the transaction
	// was aborted.
	ErrAborted = errors.New("record aborted with its transaction")

	// ErrTransactionPoisoned is returned when a record of the current
	// transaction failed delivery. The transaction can only be aborted.
	ErrTransactionPoisoned = errors.New("transaction failed delivery and must be aborted")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("producer closed")
)

// StateError is returned when an operation is not valid in the current state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s in state %s", ErrInvalidState, e.Op, e.State)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidState
}

// IsFatal reports whether err leaves the producer unusable.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFenced) || errors.Is(err, ErrIncompatibleBroker) || errors.Is(err, ErrClosed)
}

// IsRetriable reports whether the operation that returned err can be reissued.
func IsRetriable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}
