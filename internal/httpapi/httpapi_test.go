package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ringmesh/ringd/internal/apperr"
	"github.com/ringmesh/ringd/internal/scheduler"
)

// fakeDispatcher answers every submitted task inline, synchronously, so
// handler tests don't need a running update-slots loop.
type fakeDispatcher struct {
	respond func(t *scheduler.Task)
}

func (f *fakeDispatcher) Submit(t *scheduler.Task) {
	if f.respond != nil {
		f.respond(t)
		return
	}
	if t.Results != nil {
		t.Results <- scheduler.Result{TaskID: t.ID, TextToSend: "ok", Stop: true}
		close(t.Results)
	}
}

func newTestServer(respond func(t *scheduler.Task)) *Server {
	return New(&fakeDispatcher{respond: respond}, "", prometheus.NewRegistry(), 0)
}

func doRequest(h http.Handler, method, path string, body any, bearer string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsUnprotected(t *testing.T) {
	s := New(&fakeDispatcher{}, "secret", prometheus.NewRegistry(), 0)
	rec := doRequest(s.Routes(), http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProtectedRouteRejectsMissingKey(t *testing.T) {
	s := newTestServer(nil)
	s.apiKey = "secret"
	rec := doRequest(s.Routes(), http.MethodPost, "/completion", promptBody("hi"), "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestProtectedRouteAcceptsValidKey(t *testing.T) {
	s := newTestServer(nil)
	s.apiKey = "secret"
	rec := doRequest(s.Routes(), http.MethodPost, "/completion", promptBody("hi"), "secret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCompletionNonStreamingReturnsJoinedContent(t *testing.T) {
	s := newTestServer(func(t *scheduler.Task) {
		t.Results <- scheduler.Result{TaskID: t.ID, TextToSend: "hello "}
		t.Results <- scheduler.Result{TaskID: t.ID, TextToSend: "world", Stop: true}
		close(t.Results)
	})
	rec := doRequest(s.Routes(), http.MethodPost, "/completion", promptBody("hi"), "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "hello world", body["content"])
}

func TestCompletionPropagatesTaskError(t *testing.T) {
	s := newTestServer(func(t *scheduler.Task) {
		t.Results <- scheduler.Result{TaskID: t.ID, Err: apperr.New(apperr.Server, "decode failed"), Stop: true}
		close(t.Results)
	})
	rec := doRequest(s.Routes(), http.MethodPost, "/completion", promptBody("hi"), "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestOpenAICompatibleAliasRoutesAllReachHandler(t *testing.T) {
	for _, path := range []string{"/completion", "/v1/completions", "/chat/completions", "/v1/chat/completions"} {
		s := newTestServer(nil)
		rec := doRequest(s.Routes(), http.MethodPost, path, promptBody("hi"), "")
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestMetricsNotSupportedWhenDisabled(t *testing.T) {
	s := New(&fakeDispatcher{}, "", nil, 0)
	rec := doRequest(s.Routes(), http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSlotActionDispatchesCorrectTaskKind(t *testing.T) {
	var seen scheduler.TaskKind
	s := newTestServer(func(t *scheduler.Task) {
		seen = t.Kind
		t.Results <- scheduler.Result{TaskID: t.ID, Stop: true}
		close(t.Results)
	})
	rec := doRequest(s.Routes(), http.MethodPost, "/slots/0?action=restore", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, scheduler.TaskSlotRestore, seen)
}

func TestCancelSendsTargetTaskID(t *testing.T) {
	var seen uint64
	s := newTestServer(func(t *scheduler.Task) {
		seen = t.TargetTaskID
		t.Results <- scheduler.Result{TaskID: t.ID, Stop: true}
		close(t.Results)
	})
	rec := doRequest(s.Routes(), http.MethodPost, "/v1/cancel", map[string]any{"task_id": 42}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(42), seen)
}

func promptBody(p string) map[string]any {
	return map[string]any{"prompt": p}
}
