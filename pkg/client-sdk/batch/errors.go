package batch

import (
	"errors"
	"fmt"

	"github.com/ark-network/ark-batch/pkg/client-sdk/client"
)

var (
	ErrRoundInProgress     = errors.New("a round is already in progress")
	ErrCanceled            = errors.New("round canceled")
	ErrCancelAfterForfeits = errors.New("forfeits already submitted, round can't be canceled")
	ErrBatchFailed         = errors.New("batch failed")
	ErrEmptyIntent         = errors.New("intent has no inputs")
	ErrMissingReceivers    = errors.New("intent has no receivers")
	ErrNotEnoughFunds      = errors.New("not enough funds")
	ErrDuplicateInput      = errors.New("input spent twice")
	ErrCosignerMismatch    = errors.New("cosigner key does not match the delegate")
	ErrNoFunds             = errors.New("no spendable funds")
	ErrStreamClosed        = errors.New("event stream closed")
)

type ErrorSource int

const (
	SourceServer ErrorSource = iota
	SourceLocal
)

func (s ErrorSource) String() string {
	if s == SourceLocal {
		return "local"
	}
	return "server"
}

// ValidationError is data that failed validation, either received from the
// server or produced locally. The round can't go on.
type ValidationError struct {
	Source ErrorSource
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid %s data: %s", e.Source, e.Reason)
	}
	return fmt.Sprintf("invalid %s data: %s: %s", e.Source, e.Reason, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// TimeoutError is a phase of the round that did not complete in time.
type TimeoutError struct {
	Phase State
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout in phase %s", e.Phase)
}

// TransportError is a failed call to the server. Definitive errors are
// rejections that would fail the same way if the same request were sent
// again.
type TransportError struct {
	Op         string
	Definitive bool
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// PreconditionError is a misuse of the engine api.
type PreconditionError struct {
	Err error
}

func (e *PreconditionError) Error() string {
	return e.Err.Error()
}

func (e *PreconditionError) Unwrap() error {
	return e.Err
}

// Retryable reports whether a new round with the same intent may succeed.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return !transportErr.Definitive
	}
	return errors.Is(err, ErrBatchFailed) || errors.Is(err, ErrStreamClosed)
}

func newTransportError(op string, err error) error {
	return &TransportError{Op: op, Definitive: client.IsRejected(err), Err: err}
}

func serverError(reason string, err error) error {
	return &ValidationError{Source: SourceServer, Reason: reason, Err: err}
}

func localError(reason string, err error) error {
	return &ValidationError{Source: SourceLocal, Reason: reason, Err: err}
}
