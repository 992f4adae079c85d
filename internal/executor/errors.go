package executor

import (
	"errors"
	"fmt"

	"github.com/cobalt-labs/relay/internal/health"
)

// ErrNoDeployments is returned when the selector produced an empty chain.
var ErrNoDeployments = errors.New("no deployments available for model")

// CallError classifies a single transport failure. Transports wrap their
// errors in one of these so the executor never inspects provider specifics.
type CallError struct {
	Kind      health.FailureKind // meaningful when Retryable
	Retryable bool
	Status    int // upstream HTTP status when known
	Err       error
}

func (e *CallError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("retryable %s failure: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("non-retryable failure: %v", e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// RetryableError wraps a failure that should drive failover to the next
// candidate (timeout, reset, 5xx, provider rate limit).
func RetryableError(kind health.FailureKind, status int, err error) *CallError {
	return &CallError{Kind: kind, Retryable: true, Status: status, Err: err}
}

// FatalError wraps a failure every deployment of the model would reproduce
// (auth, malformed request). It aborts the failover loop immediately.
func FatalError(status int, err error) *CallError {
	return &CallError{Retryable: false, Status: status, Err: err}
}

// ExhaustedError reports that every candidate was tried and failed.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all %d attempts exhausted, last error: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// BudgetExceededError reports that the attempt cap or wall-clock budget ran
// out before the chain did.
type BudgetExceededError struct {
	Attempts int
	Last     error
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("retry budget exceeded after %d attempts, last error: %v", e.Attempts, e.Last)
}

func (e *BudgetExceededError) Unwrap() error { return e.Last }
