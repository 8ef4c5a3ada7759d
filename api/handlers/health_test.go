package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHealthHandler_HandleHealth(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop(), "runner-1")

	w := httptest.NewRecorder()
	handler.HandleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "healthy", status.Status)
	assert.False(t, status.Timestamp.IsZero())
	assert.Equal(t, "runner-1", status.Instance)
}

func TestHealthHandler_HandleReady(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop(), "runner-1")
	handler.RegisterCheck(NewCheck("pool", func(context.Context) error { return nil }))

	w := httptest.NewRecorder()
	handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	handler.RegisterCheck(NewCheck("redis", func(context.Context) error { return errors.New("connection refused") }))
	w = httptest.NewRecorder()
	handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var status HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&status))
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "pass", status.Checks["pool"].Status)
	assert.Equal(t, "fail", status.Checks["redis"].Status)
	assert.Equal(t, "connection refused", status.Checks["redis"].Message)
}

func TestHealthHandler_ChecksRunConcurrently(t *testing.T) {
	handler := NewHealthHandler(nil, "")
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	for _, name := range []string{"a", "b"} {
		handler.RegisterCheck(NewCheck(name, func(ctx context.Context) error {
			started.Done()
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}))
	}

	go func() {
		started.Wait()
		close(release)
	}()

	w := httptest.NewRecorder()
	handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthHandler_RegisterCheckReplacesByName(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop(), "")
	handler.RegisterCheck(NewCheck("redis", func(context.Context) error { return errors.New("down") }))
	handler.RegisterCheck(NewCheck("redis", func(context.Context) error { return nil }))

	w := httptest.NewRecorder()
	handler.HandleReady(w, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthHandler_HandleVersion(t *testing.T) {
	handler := NewHealthHandler(zap.NewNop(), "runner-1")

	w := httptest.NewRecorder()
	handler.HandleVersion("1.0.0", "today", "abc123")(w, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "abc123", resp.Data.(map[string]any)["git_commit"])
}
