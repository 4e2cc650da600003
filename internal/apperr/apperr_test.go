package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodePlayerNotFound, http.StatusNotFound},
		{CodeNoActiveRace, http.StatusNotFound},
		{CodeAlreadyEnrolled, http.StatusBadRequest},
		{CodeInsufficientFunds, http.StatusBadRequest},
		{CodeWinner1Required, http.StatusBadRequest},
		{CodeInvalidInput, http.StatusBadRequest},
		{CodeUnauthorized, http.StatusUnauthorized},
		{CodeInternal, http.StatusInternalServerError},
		{Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.Kind().HTTPStatus(); got != tt.want {
				t.Errorf("status = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := New(CodeAlreadyEnrolled, "%s is already enrolled in this race", "Steve")
	wrapped := fmt.Errorf("enroll: %w", err)

	if !errors.Is(wrapped, ErrAlreadyEnrolled) {
		t.Error("expected wrapped error to match ErrAlreadyEnrolled")
	}
	if errors.Is(wrapped, ErrNotEnrolled) {
		t.Error("did not expect match against ErrNotEnrolled")
	}
	if KindOf(wrapped) != KindConflict {
		t.Errorf("kind = %v, want conflict", KindOf(wrapped))
	}
}

func TestInternalKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Internal(cause, "record transaction")

	if !errors.Is(err, cause) {
		t.Error("expected cause in chain")
	}
	if KindOf(err) != KindInternal {
		t.Errorf("kind = %v, want internal", KindOf(err))
	}
	if err.Message != "record transaction failed" {
		t.Errorf("message = %q", err.Message)
	}
}

func TestKindOfForeignError(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Error("foreign errors should be internal")
	}
	if CodeOf(nil) != CodeInternal {
		t.Error("nil error code should default to internal")
	}
}
