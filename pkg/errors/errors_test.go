package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFromErrorKeepsTypedErrors(t *testing.T) {
	wrapped := fmt.Errorf("plan: %w", Clone(ErrCapacity, "course ALG needs 3 sections"))
	got := FromError(wrapped)
	assert.Equal(t, ErrCapacity.Code, got.Code)
	assert.Equal(t, http.StatusUnprocessableEntity, got.Status)
	assert.Equal(t, "course ALG needs 3 sections", got.Message)
}

func TestFromErrorDefaultsToInternal(t *testing.T) {
	got := FromError(errors.New("boom"))
	assert.Equal(t, ErrInternal.Code, got.Code)
	assert.EqualError(t, got, "internal server error: boom")
	assert.Nil(t, FromError(nil))
}

func TestCloneDoesNotMutateOriginal(t *testing.T) {
	clone := Clone(ErrSolveTimeout, "")
	clone.Message = "changed"
	assert.Equal(t, "solver timed out before finding a schedule", ErrSolveTimeout.Message)
	assert.Nil(t, Clone(nil, "x"))
}

func TestWrapUnwraps(t *testing.T) {
	base := errors.New("db down")
	err := Wrap(base, ErrInternal.Code, ErrInternal.Status, "failed to save run")
	assert.ErrorIs(t, err, base)
}

func TestWrapAsFallsBackToKindMessage(t *testing.T) {
	base := errors.New("no incumbent")
	err := WrapAs(base, ErrSolveTimeout, "")
	assert.Equal(t, ErrSolveTimeout.Code, err.Code)
	assert.Equal(t, http.StatusGatewayTimeout, err.Status)
	assert.Equal(t, ErrSolveTimeout.Message, err.Message)

	custom := WrapAs(base, nil, "pipeline failed")
	assert.Equal(t, ErrInternal.Code, custom.Code)
	assert.Equal(t, "pipeline failed", custom.Message)
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("run r-1: %w", Clone(ErrSolveInfeasible, "teacher availability saturated"))
	assert.ErrorIs(t, err, ErrSolveInfeasible)
	assert.NotErrorIs(t, err, ErrSolveTimeout)
}

func TestLookupRestoresStoredCodes(t *testing.T) {
	for _, code := range []string{"CAPACITY_ERROR", "SOLVE_INFEASIBLE", "SOLVE_TIMEOUT", "DECODE_INCONSISTENCY", "VALIDATION_ERROR"} {
		got, ok := Lookup(code)
		if assert.True(t, ok, code) {
			assert.Equal(t, code, got.Code)
		}
	}
	_, ok := Lookup("UNKNOWN")
	assert.False(t, ok)
}
