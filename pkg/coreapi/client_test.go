package coreapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cowork-ai/cowork/pkg/events"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithHTTP(srv.URL, "internal-secret", srv.Client())
}

func TestClientSendsAuthHeaders(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		assert.Equal(t, "internal-secret", r.Header.Get("X-Internal-Key"))
		fmt.Fprint(w, `{"id":"u-1","email":"dev@example.com"}`)
	})

	user, err := c.Me(context.Background(), "user-token")
	require.NoError(t, err)
	assert.Equal(t, "u-1", user.ID)
}

func TestPreferredProvider(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/providers/internal", r.URL.Path)
		fmt.Fprint(w, `[
			{"id":"p1","provider_name":"openai","model_type":"gpt-a"},
			{"id":"p2","provider_name":"anthropic","model_type":"claude-b","is_preferred":true}
		]`)
	})

	cfg, err := c.PreferredProvider(context.Background(), "tok")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "p2", cfg.ID)
}

func TestPreferredProviderFallsBackToFirst(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"id":"p1","provider_name":"openai","model_type":"gpt-a"}]`)
	})

	cfg, err := c.PreferredProvider(context.Background(), "tok")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "p1", cfg.ID)
}

func TestPreferredProviderNoneConfigured(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[]`)
	})

	cfg, err := c.PreferredProvider(context.Background(), "tok")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestHistoryLifecycle(t *testing.T) {
	var updates int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/chat/history":
			var req HistoryRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "proj-1", req.ProjectID)
			fmt.Fprint(w, `{"id":"h-42"}`)
		case r.Method == http.MethodPut && r.URL.Path == "/chat/history/h-42":
			updates++
			fmt.Fprint(w, `{}`)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})

	id, err := c.CreateHistory(context.Background(), "tok", HistoryRequest{ProjectID: "proj-1", TaskID: "t-1", Question: "q"})
	require.NoError(t, err)
	assert.Equal(t, "h-42", id)

	// Idempotent in id: re-issuing the same terminal update succeeds.
	update := HistoryRequest{Status: HistoryDone, Tokens: 12}
	require.NoError(t, c.UpdateHistory(context.Background(), "tok", id, update))
	require.NoError(t, c.UpdateHistory(context.Background(), "tok", id, update))
	assert.Equal(t, 2, updates)
}

func TestClientSurfacesHTTPErrors(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Me(context.Background(), "tok")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestNotesQueryScoping(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.RequestURI())
		fmt.Fprint(w, `[{"id":"n1","content":"remember"}]`)
	})

	_, err := c.Notes(context.Background(), "tok", "proj-1")
	require.NoError(t, err)
	_, err = c.Notes(context.Background(), "tok", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"/memory/notes?project_id=proj-1", "/memory/notes"}, paths)
}

func TestRecorderPersistsStepsAndArtifacts(t *testing.T) {
	var steps, artifacts atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/chat/steps":
			steps.Add(1)
		case "/chat/artifacts":
			artifacts.Add(1)
		}
		fmt.Fprint(w, `{}`)
	})

	rec := NewRecorder(c)
	rec.Start()

	rec.EnqueueStep("tok", events.NewStepEvent("t-1", events.StepConfirmed, nil))
	rec.EnqueueArtifact("tok", events.Artifact{TaskID: "t-1", Name: "a.md"})

	require.Eventually(t, func() bool {
		return steps.Load() == 1 && artifacts.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	rec.Stop()
}

func TestRecorderToleratesCoreOutage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	rec := NewRecorder(c)
	rec.Start()
	rec.EnqueueStep("tok", events.NewStepEvent("t-1", events.StepConfirmed, nil))

	// Nothing to assert beyond "does not wedge": Stop returns promptly.
	done := make(chan struct{})
	go func() {
		rec.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("recorder did not stop")
	}
}
