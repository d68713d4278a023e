package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/koopa0/system-design/like-service/pkg/errors"
)

func TestAppError_Is(t *testing.T) {
	wrapped := fmt.Errorf("toggle: %w", apperrors.ErrResourceNotFound.WithDetails("post 42"))

	assert.True(t, stderrors.Is(wrapped, apperrors.ErrMemberNotFound), "same code should match")
	assert.False(t, stderrors.Is(wrapped, apperrors.ErrSelfAction))
	assert.True(t, apperrors.IsNotFound(wrapped))
	assert.False(t, apperrors.IsInvalidResourceType(wrapped))
}

func TestAppError_WithDetailsDoesNotMutateShared(t *testing.T) {
	_ = apperrors.ErrInvalidResourceType.WithDetails("story")
	assert.Empty(t, apperrors.ErrInvalidResourceType.Details)
}

func TestAppError_Error(t *testing.T) {
	cause := stderrors.New("connection refused")
	err := apperrors.Wrap(cause, apperrors.ErrCodeDurableWrite, "insert like")

	assert.Equal(t, "[DURABLE_WRITE] insert like: connection refused", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.True(t, apperrors.IsDurableWrite(err))
}

func TestIsClientError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"not found", apperrors.ErrMemberNotFound, true},
		{"invalid type", apperrors.ErrInvalidResourceType, true},
		{"self action", apperrors.ErrSelfAction, true},
		{"durable write", apperrors.New(apperrors.ErrCodeDurableWrite, "x"), false},
		{"plain error", stderrors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperrors.IsClientError(tt.err))
		})
	}
}

func TestCodeOf(t *testing.T) {
	wrapped := fmt.Errorf("resolve: %w", apperrors.ErrResourceNotFound)

	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.CodeOf(wrapped))
	assert.Equal(t, apperrors.ErrCodeInternal, apperrors.CodeOf(stderrors.New("boom")))
}
