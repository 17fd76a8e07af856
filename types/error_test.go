package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Message(t *testing.T) {
	err := NewError(ErrNotFound, "handoff not found").WithResource("ho_a_b_1234")
	assert.Equal(t, "[NOT_FOUND] handoff not found (resource: ho_a_b_1234)", err.Error())

	cause := errors.New("dial tcp: refused")
	err = NewError(ErrTransient, "redis unreachable").WithCause(cause)
	assert.Contains(t, err.Error(), "[TRANSIENT]")
	assert.Contains(t, err.Error(), "dial tcp: refused")
}

func TestError_UnwrapChain(t *testing.T) {
	cause := errors.New("root cause")
	err := NewError(ErrIntegrity, "checksum mismatch").WithCause(cause)

	assert.ErrorIs(t, err, cause)

	var e *Error
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &e))
	assert.Equal(t, ErrIntegrity, e.Code)
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrValidation, CodeOf(NewError(ErrValidation, "bad input")))
	assert.Equal(t, ErrInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, ErrTimeout, CodeOf(fmt.Errorf("outer: %w", NewError(ErrTimeout, "deadline"))))
}

func TestPredicates(t *testing.T) {
	assert.True(t, IsNotFound(NewError(ErrNotFound, "gone")))
	assert.True(t, IsValidation(NewError(ErrValidation, "bad")))
	assert.True(t, IsIntegrity(NewError(ErrIntegrity, "corrupt")))
	assert.False(t, IsNotFound(NewError(ErrValidation, "bad")))
	assert.False(t, IsValidation(errors.New("plain")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewError(ErrTransient, "flaky").WithRetryable(true)))
	assert.False(t, IsRetryable(NewError(ErrTransient, "flaky")))
	assert.False(t, IsRetryable(errors.New("plain")))
}
