package forecast

import (
	"context"
	"errors"
	"fmt"
)

// ErrBudgetExceeded is returned when a call would exceed the run's call
// ceiling. The call is never issued.
var ErrBudgetExceeded = errors.New("llm call budget exceeded")

// TransportError wraps any failure reaching the model gateway or reading
// its response, including per-call timeouts.
type TransportError struct {
	Step    string
	Timeout bool
	Err     error
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s: model call timed out: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("%s: model call failed: %v", e.Step, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RunError is returned by GenerateForecast when a run aborts. It carries the
// spend so far and the trail accumulated before the failure.
type RunError struct {
	RunID        string
	Step         string
	State        State
	Err          error
	CallsUsed    int
	WebSearches  int
	InputTokens  int
	OutputTokens int
	Cost         float64
	Trail        []StepRecord
}

func (e *RunError) Error() string {
	return fmt.Sprintf("forecast run %s failed in %s (step %s) after %d llm calls, %d tokens, $%.4f: %v",
		e.RunID, e.State, e.Step, e.CallsUsed, e.InputTokens+e.OutputTokens, e.Cost, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// IsTimeout reports whether err is a per-call or run-level timeout.
func IsTimeout(err error) bool {
	var te *TransportError
	if errors.As(err, &te) && te.Timeout {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
