package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidationError_MatchesSentinel(t *testing.T) {
	err := fmt.Errorf("set current: %w", &ValidationError{Field: "amps", Value: 3, Min: -2.4, Max: 2.4})

	assert.ErrorIs(t, err, ErrValidation)
	var ve *ValidationError
	assert.True(t, errors.As(err, &ve))
	assert.Equal(t, "amps", ve.Field)
	assert.Contains(t, err.Error(), "amps=3 outside [-2.4, 2.4]")
}

func TestGuardError_MatchesSentinel(t *testing.T) {
	err := error(&GuardError{Procedure: "DoBasisCalibrationScans", Guard: "shim not connected"})
	assert.ErrorIs(t, err, ErrGuardViolation)
	assert.NotErrorIs(t, err, ErrScanTimeout)
	assert.Equal(t, "DoBasisCalibrationScans not run: shim not connected", err.Error())
}
