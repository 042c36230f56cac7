package connectivity

import "fmt"

// ErrCircuitOpen is returned when the circuit breaker for a service is open,
// rejecting the call without attempting it.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrAttemptsExhausted is returned by RetryPolicy.Do when every attempt failed.
// Last holds the error of the final attempt.
type ErrAttemptsExhausted struct {
	Attempts int
	Last     error
}

func (e *ErrAttemptsExhausted) Error() string {
	return fmt.Sprintf("connectivity: %d attempts failed: %v", e.Attempts, e.Last)
}

func (e *ErrAttemptsExhausted) Unwrap() error { return e.Last }
