// Package errs defines the error taxonomy shared by the device clients, the
// field-map engine and the orchestrator. Callers match with errors.Is and
// errors.As; the concrete packages wrap these with context.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection reports a transport-level refusal or drop.
	ErrConnection = errors.New("connection error")
	// ErrProtocol reports a malformed or unexpected device response.
	ErrProtocol = errors.New("protocol error")
	// ErrScanTimeout reports a completion signal not raised within its deadline.
	ErrScanTimeout = errors.New("scan timed out")
	// ErrScanFailure reports that the scanner raised its failure flag.
	ErrScanFailure = errors.New("scan failed")
	// ErrValidation reports an out-of-range channel or amplitude.
	ErrValidation = errors.New("validation error")
	// ErrSolve reports a degenerate or empty-mask linear system.
	ErrSolve = errors.New("solve error")
	// ErrGuardViolation reports an unmet precondition at procedure entry.
	ErrGuardViolation = errors.New("guard violation")
)

// ValidationError describes a rejected device command.
type ValidationError struct {
	Field string
	Value float64
	Min   float64
	Max   float64
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%g outside [%g, %g]", e.Field, e.Value, e.Min, e.Max)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// GuardError names the procedure that was refused and the unmet precondition.
type GuardError struct {
	Procedure string
	Guard     string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("%s not run: %s", e.Procedure, e.Guard)
}

func (e *GuardError) Unwrap() error { return ErrGuardViolation }
