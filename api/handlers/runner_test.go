package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/flow"
	"github.com/BaSui01/flowrun/flow/builtin"
	"github.com/BaSui01/flowrun/isolate/worker"
	"github.com/BaSui01/flowrun/runner"
	"github.com/BaSui01/flowrun/types"
)

const greetFlow = `{
  "version": "1",
  "nodes": {
    "input": {"component": "core/input", "name": "name"},
    "template": {
      "component": "core/template",
      "template": "Hello, {{name}}!",
      "name": {"$ref": {"ns": "Nodes", "id": "input", "name": "value"}}
    },
    "output": {
      "component": "core/output",
      "name": "greet",
      "value": {"$ref": {"ns": "Nodes", "id": "template", "name": "text"}}
    }
  }
}`

const blobFlow = `{
  "version": "1",
  "nodes": {
    "blob": {"component": "test/blob"},
    "output": {
      "component": "core/output",
      "name": "file",
      "value": {"$ref": {"ns": "Nodes", "id": "blob", "name": "body"}}
    }
  }
}`

type testServer struct {
	*httptest.Server
	runner *runner.Runner
}

func newTestServer(t *testing.T, header string) *testServer {
	t.Helper()
	reg := builtin.NewRegistry()
	reg.MustRegister("test/blob", &flow.Component{
		Trusted: true,
		Output:  flow.Schema{"body": {}},
		Process: func(context.Context, *flow.ProcessContext) (map[string]any, error) {
			return map[string]any{"body": strings.NewReader("payload")}, nil
		},
	})
	r := runner.New(runner.Config{
		TrustedProxyHeader: header,
		Pool: runner.PoolConfig{
			Size: 1,
			Host: worker.HostOptions{ThreadOptions: []flow.ThreadOption{flow.WithComponentResolver(reg)}},
		},
	})

	rh := NewRunnerHandler(r, zap.NewNop())
	sh := NewSessionHandler(r, nil, zap.NewNop())
	mux := http.NewServeMux()
	mux.HandleFunc("POST /claim", rh.HandleClaim)
	mux.HandleFunc("POST /release", rh.HandleRelease)
	mux.HandleFunc("GET /status", rh.HandleStatus)
	mux.HandleFunc("POST /threads", rh.HandleCreateThread)
	mux.HandleFunc("GET /threads/{id}/session", sh.HandleSession)

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		_ = r.Shutdown(context.Background())
	})
	return &testServer{Server: srv, runner: r}
}

func (s *testServer) do(t *testing.T, method, path, token, body string, headers ...string) (int, Response) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (s *testServer) claim(t *testing.T) string {
	t.Helper()
	status, resp := s.do(t, http.MethodPost, "/claim", "", "")
	require.Equal(t, http.StatusOK, status)
	return resp.Data.(map[string]any)["token"].(string)
}

func (s *testServer) createThread(t *testing.T, token, def string) string {
	t.Helper()
	status, resp := s.do(t, http.MethodPost, "/threads", token, def)
	require.Equal(t, http.StatusOK, status, "%+v", resp.Error)
	return resp.Data.(map[string]any)["thread_id"].(string)
}

func TestRunnerHandler_ClaimLifecycle(t *testing.T) {
	srv := newTestServer(t, "")
	token := srv.claim(t)

	status, resp := srv.do(t, http.MethodPost, "/claim", "", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(types.ErrRunnerAlreadyClaimed), resp.Error.Code)

	status, resp = srv.do(t, http.MethodGet, "/status", token, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), resp.Data.(map[string]any)["pool"].(map[string]any)["size"])

	status, resp = srv.do(t, http.MethodGet, "/status", "wrong", "")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, string(types.ErrUnauthorized), resp.Error.Code)

	status, _ = srv.do(t, http.MethodPost, "/release", token, "")
	require.Equal(t, http.StatusOK, status)

	status, resp = srv.do(t, http.MethodPost, "/release", token, "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(types.ErrRunnerNotClaimed), resp.Error.Code)

	srv.claim(t)
}

func TestRunnerHandler_TrustedProxyHeaderPinsAddress(t *testing.T) {
	srv := newTestServer(t, "X-Forwarded-For")

	status, resp := srv.do(t, http.MethodPost, "/claim", "", "", "X-Forwarded-For", "203.0.113.7")
	require.Equal(t, http.StatusOK, status)
	token := resp.Data.(map[string]any)["token"].(string)

	status, _ = srv.do(t, http.MethodGet, "/status", token, "", "X-Forwarded-For", "203.0.113.7")
	assert.Equal(t, http.StatusOK, status)

	status, resp = srv.do(t, http.MethodGet, "/status", token, "", "X-Forwarded-For", "198.51.100.1")
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, string(types.ErrUnauthorized), resp.Error.Code)
}

func TestRunnerHandler_CreateThreadRejectsBadFlow(t *testing.T) {
	srv := newTestServer(t, "")
	token := srv.claim(t)

	status, resp := srv.do(t, http.MethodPost, "/threads", token, `{"version":"7","nodes":{}}`)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, string(types.ErrInvalidFlow), resp.Error.Code)

	status, _ = srv.do(t, http.MethodPost, "/threads", "", greetFlow)
	assert.Equal(t, http.StatusUnauthorized, status)
}
