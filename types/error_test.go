package types

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("root")
	err := NewError(ErrPoolExhausted, "no free worker").
		WithCause(root).
		WithRetryable(true)

	assert.Equal(t, ErrPoolExhausted, GetErrorCode(err))
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, root)
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatusOf(err))
	assert.Equal(t, "[POOL_EXHAUSTED] no free worker: root", err.Error())
}

func TestError_DefaultStatusByCode(t *testing.T) {
	t.Parallel()

	cases := map[ErrorCode]int{
		ErrRunnerAlreadyClaimed: http.StatusConflict,
		ErrRunnerNotClaimed:     http.StatusConflict,
		ErrUnauthorized:         http.StatusUnauthorized,
		ErrThreadNotFound:       http.StatusNotFound,
	}
	for code, status := range cases {
		assert.Equal(t, status, NewError(code, "x").HTTPStatus, code)
	}
	assert.Equal(t, http.StatusTeapot, NewError(ErrInvalidRequest, "x").WithHTTPStatus(http.StatusTeapot).HTTPStatus)
}

func TestError_MatchesThroughWrapping(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("claim: %w", NewError(ErrRunnerAlreadyClaimed, "runner is claimed"))
	assert.True(t, IsErrorCode(err, ErrRunnerAlreadyClaimed))
	assert.ErrorIs(t, err, NewError(ErrRunnerAlreadyClaimed, ""))
	assert.NotErrorIs(t, err, NewError(ErrRunnerNotClaimed, ""))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusOf(errors.New("plain")))
}
