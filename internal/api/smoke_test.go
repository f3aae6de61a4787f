package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scarson/agentq/internal/api"
	"github.com/scarson/agentq/internal/config"
	"github.com/scarson/agentq/internal/queue"
	"github.com/scarson/agentq/internal/queue/queuetest"
	"github.com/scarson/agentq/internal/testutil"
)

// TestSmokePostgres runs the router against a real Postgres container: healthz,
// metrics, and one enqueue → claim → complete → get round trip over HTTP.
func TestSmokePostgres(t *testing.T) {
	t.Parallel()

	db := testutil.NewTestDB(t)
	cfg := &config.Config{ //nolint:exhaustruct // test: only wait bounds matter
		EnqueueMaxWait:   time.Second,
		AwaitMaxWait:     time.Second,
		WaitPollInterval: 20 * time.Millisecond,
	}
	apiSrv := api.NewServer(queue.New(db.Store), db.Store, cfg)
	t.Cleanup(apiSrv.Close)
	srv := httptest.NewServer(apiSrv.Handler())
	t.Cleanup(srv.Close)

	var health struct {
		Status string `json:"status"`
	}
	if code := do(t, srv, http.MethodGet, "/healthz", nil, &health); code != http.StatusOK || health.Status != "ok" {
		t.Fatalf("GET /healthz: %d %q", code, health.Status)
	}
	if code := do(t, srv, http.MethodGet, "/metrics", nil, nil); code != http.StatusOK {
		t.Errorf("GET /metrics: got status %d, want %d", code, http.StatusOK)
	}

	var created enqueueResp
	if code := do(t, srv, http.MethodPost, "/api/v1/threads/T1/agent-jobs", enqueueBody(), &created); code != http.StatusCreated {
		t.Fatalf("enqueue: got %d", code)
	}
	if code := do(t, srv, http.MethodPost, "/api/v1/threads/T1/agent-jobs", enqueueBody(), nil); code != http.StatusConflict {
		t.Errorf("duplicate enqueue: got %d, want 409", code)
	}

	var claimed jobResp
	do(t, srv, http.MethodPost, "/api/v1/agent-jobs/claim", map[string]any{"owner_id": "remote-1"}, &claimed)
	if claimed.Job == nil || claimed.Job.ID != created.Job.ID {
		t.Fatalf("claim = %+v, want %s", claimed.Job, created.Job.ID)
	}

	complete := map[string]any{
		"status": "success",
		"result": map[string]any{
			"status":   "success",
			"messages": []string{"done"},
			"changes":  []map[string]any{{"path": "README.md", "kind": "created"}},
		},
		"expected_owner_id": "remote-1",
	}
	if code := do(t, srv, http.MethodPost, "/api/v1/agent-jobs/"+created.Job.ID+"/complete", complete, nil); code != http.StatusOK {
		t.Fatalf("complete: got %d", code)
	}

	var got api.AgentJobView
	do(t, srv, http.MethodGet, "/api/v1/agent-jobs/"+created.Job.ID, nil, &got)
	if got.Status != "success" || len(got.Changes) != 1 || got.Changes[0].Path != "README.md" {
		t.Errorf("job after complete = %+v", got)
	}
}

// TestSmokeHealthzDegraded verifies that /healthz returns 503 when there is
// no database to ping.
func TestSmokeHealthzDegraded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	cfg := &config.Config{} //nolint:exhaustruct // test: defaults suffice
	apiSrv := api.NewServer(queue.New(queuetest.NewMemStore()), nil, cfg)
	t.Cleanup(apiSrv.Close)
	srv := httptest.NewServer(apiSrv.Handler())
	t.Cleanup(srv.Close)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/healthz", nil)
	if err != nil {
		t.Fatalf("new request /healthz: %v", err)
	}
	resp, err := srv.Client().Do(req) //nolint:gosec // G704 false positive: srv.URL is httptest.Server, not user input
	if err != nil {
		t.Fatalf("GET /healthz (nil db): %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("GET /healthz (nil db): got status %d, want %d",
			resp.StatusCode, http.StatusServiceUnavailable)
	}

	var body struct {
		Status string `json:"status"`
		DB     string `json:"db"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode /healthz body: %v", err)
	}
	if body.Status != "degraded" {
		t.Errorf("GET /healthz (nil db): got status %q, want %q", body.Status, "degraded")
	}
	if body.DB != "unavailable" {
		t.Errorf("GET /healthz (nil db): got db %q, want %q", body.DB, "unavailable")
	}
}
