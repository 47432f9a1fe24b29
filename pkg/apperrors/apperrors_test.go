package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConstructors_SetCodeAndStatus(t *testing.T) {
	cases := []struct {
		name       string
		err        *AppError
		wantCode   string
		wantStatus int
	}{
		{"validation", Validation("bad target"), CodeValidation, http.StatusBadRequest},
		{"webhook failure", WebhookFailure(errors.New("boom")), CodeWebhookFailure, http.StatusBadGateway},
		{"task table read", TaskTableRead(errors.New("boom")), CodeTaskTableRead, http.StatusServiceUnavailable},
		{"sensor unavailable", SensorUnavailable("no reading"), CodeSensorUnavailable, http.StatusServiceUnavailable},
		{"characteristics missing", CharacteristicsMissing("no velocity"), CodeCharacteristicsMiss, http.StatusUnprocessableEntity},
		{"conflict", Conflict("already scheduled"), CodeConflict, http.StatusConflict},
		{"not found", NotFound("no such job"), CodeNotFound, http.StatusNotFound},
		{"internal", Internal(errors.New("boom")), CodeInternal, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.wantCode, tc.err.Code)
			assert.Equal(t, tc.wantStatus, tc.err.HTTPStatus)
		})
	}
}

func TestAppError_ErrorMessage(t *testing.T) {
	withCause := WebhookFailure(errors.New("dial tcp: timeout"))
	assert.Contains(t, withCause.Error(), "webhook trigger failed")
	assert.Contains(t, withCause.Error(), "dial tcp: timeout")

	withoutCause := Validation("target out of range")
	assert.Equal(t, "target out of range", withoutCause.Error())
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("underlying failure")
	wrapped := Internal(cause)
	assert.ErrorIs(t, wrapped, cause)
}

func TestAs_MatchesWrappedAppError(t *testing.T) {
	original := NotFound("job-abc123 not found")
	wrapped := fmt.Errorf("cancel failed: %w", original)

	appErr, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, CodeNotFound, appErr.Code)
}

func TestAs_FalseForPlainError(t *testing.T) {
	_, ok := As(errors.New("plain error"))
	assert.False(t, ok)
}
