package worker_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scarson/agentq/internal/agentjob"
	"github.com/scarson/agentq/internal/executor"
	"github.com/scarson/agentq/internal/queue"
	"github.com/scarson/agentq/internal/queue/queuetest"
	"github.com/scarson/agentq/internal/worker"
	"github.com/scarson/agentq/internal/workspace"
)

type harness struct {
	store *queuetest.MemStore
	svc   *queue.Service
	execs *executor.Registry
	root  string
	ws    *workspace.DirResolver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	ws, err := workspace.NewDirResolver(root)
	require.NoError(t, err)
	st := queuetest.NewMemStore()
	return &harness{store: st, svc: queue.New(st), execs: executor.NewRegistry(), root: root, ws: ws}
}

func (h *harness) poller(cfg worker.Config) *worker.Poller {
	if cfg.OwnerID == "" {
		cfg.OwnerID = "poller-1"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	return worker.NewPoller(h.svc, h.execs, h.ws, cfg)
}

func (h *harness) enqueue(t *testing.T, thread, exec string) uuid.UUID {
	t.Helper()
	id, err := h.svc.Enqueue(context.Background(), agentjob.NewJob{
		ThreadID:    thread,
		ProjectID:   "P1",
		RequestedBy: "user-1",
		Mode:        agentjob.ModeDirect,
		Executor:    exec,
		Prompt:      "fix the build",
	})
	require.NoError(t, err)
	return id
}

func (h *harness) job(t *testing.T, id uuid.UUID) *agentjob.Job {
	t.Helper()
	j, err := h.svc.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, j)
	return j
}

func TestPoller_RunOnceIdle(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	worked, err := h.poller(worker.Config{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, worked)
}

func TestPoller_RunOnceSuccess(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	var got agentjob.ExecRequest
	h.execs.Register("claude", executor.Func(func(_ context.Context, req agentjob.ExecRequest) (agentjob.Result, error) {
		got = req
		return agentjob.Result{
			Status:   agentjob.StatusSuccess,
			Messages: []string{"build fixed"},
			Changes:  []agentjob.Change{{Path: "main.go", Kind: agentjob.ChangeModified}},
		}, nil
	}))
	id := h.enqueue(t, "T1", "claude")

	p := h.poller(worker.Config{AllowedCapabilities: []string{"read", "write"}})
	worked, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	wantDir := filepath.Join(h.root, "projects", "P1", "threads", "T1")
	assert.Equal(t, wantDir, got.Dir)
	assert.Equal(t, "fix the build", got.Prompt)
	assert.Equal(t, []string{"read", "write"}, got.AllowedCapabilities)
	info, err := os.Stat(wantDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir(), "workspace created before execution")

	j := h.job(t, id)
	assert.Equal(t, agentjob.StatusSuccess, j.Status)
	assert.Equal(t, []string{"build fixed"}, j.DisplayMessages())
	assert.Len(t, j.ResultChanges, 1)
	assert.Nil(t, j.RunError)
}

func TestPoller_ExecutorFailuresBecomeFailedResults(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.execs.Register("erroring", executor.Func(func(context.Context, agentjob.ExecRequest) (agentjob.Result, error) {
		return agentjob.Result{}, errors.New("model quota exceeded")
	}))
	h.execs.Register("panicking", executor.Func(func(context.Context, agentjob.ExecRequest) (agentjob.Result, error) {
		panic("nil map write")
	}))
	h.execs.Register("bogus", executor.Func(func(context.Context, agentjob.ExecRequest) (agentjob.Result, error) {
		return agentjob.Result{Status: agentjob.StatusRunning}, nil
	}))

	cases := []struct {
		exec    string
		wantMsg string
	}{
		{"erroring", "model quota exceeded"},
		{"panicking", "nil map write"},
		{"bogus", "not terminal"},
		{"unregistered", "no executor registered"},
	}
	p := h.poller(worker.Config{})
	for i, tc := range cases {
		id := h.enqueue(t, "T"+string(rune('a'+i)), tc.exec)
		worked, err := p.RunOnce(context.Background())
		require.NoError(t, err, tc.exec)
		require.True(t, worked, tc.exec)

		j := h.job(t, id)
		assert.Equal(t, agentjob.StatusFailed, j.Status, tc.exec)
		require.NotNil(t, j.RunError, tc.exec)
		assert.Contains(t, *j.RunError, tc.wantMsg, tc.exec)
		msgs := j.DisplayMessages()
		require.Len(t, msgs, 1, tc.exec)
		assert.Contains(t, msgs[0], "Agent run failed: ", tc.exec)
	}
}

func TestPoller_StaleCompletionIsNotAnError(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.execs.Register("claude", executor.Func(func(ctx context.Context, req agentjob.ExecRequest) (agentjob.Result, error) {
		id := uuid.MustParse(req.JobID)
		reason := "user cancelled"
		if _, err := h.svc.Cancel(ctx, id, &reason); err != nil {
			return agentjob.Result{}, err
		}
		return agentjob.Result{Status: agentjob.StatusSuccess, Messages: []string{"too late"}}, nil
	}))
	id := h.enqueue(t, "T1", "claude")

	worked, err := h.poller(worker.Config{}).RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, worked)

	j := h.job(t, id)
	assert.Equal(t, agentjob.StatusCancelled, j.Status)
	assert.NotContains(t, j.DisplayMessages(), "too late")
}

func TestPoller_SurvivesClaimErrors(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.execs.Register("claude", executor.Func(func(context.Context, agentjob.ExecRequest) (agentjob.Result, error) {
		return agentjob.Result{Status: agentjob.StatusSuccess}, nil
	}))
	h.store.SetClaimErr(errors.New("connection reset"))

	p := h.poller(worker.Config{})
	_, err := p.RunOnce(context.Background())
	require.Error(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Start(context.Background())
	}()
	time.Sleep(50 * time.Millisecond)

	h.store.SetClaimErr(nil)
	id := h.enqueue(t, "T1", "claude")
	require.Eventually(t, func() bool {
		return h.job(t, id).Status == agentjob.StatusSuccess
	}, 2*time.Second, 10*time.Millisecond)

	p.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}
}

func TestPoller_StopLetsInFlightJobFinish(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	h.execs.Register("claude", executor.Func(func(ctx context.Context, _ agentjob.ExecRequest) (agentjob.Result, error) {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
		if err := ctx.Err(); err != nil {
			return agentjob.Result{}, err
		}
		return agentjob.Result{Status: agentjob.StatusSuccess, Messages: []string{"ok"}}, nil
	}))
	first := h.enqueue(t, "T1", "claude")
	second := h.enqueue(t, "T2", "claude")

	p := h.poller(worker.Config{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Start(context.Background())
	}()

	<-started
	p.Stop()
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}

	assert.Equal(t, agentjob.StatusSuccess, h.job(t, first).Status, "in-flight run is completed")
	assert.Equal(t, agentjob.StatusQueued, h.job(t, second).Status, "no claim after Stop")
	assert.Equal(t, int32(1), runs.Load())
}

func TestPoller_ContextCancelLetsInFlightJobFinish(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32
	h.execs.Register("claude", executor.Func(func(ctx context.Context, _ agentjob.ExecRequest) (agentjob.Result, error) {
		if runs.Add(1) == 1 {
			close(started)
			<-release
		}
		if err := ctx.Err(); err != nil {
			return agentjob.Result{}, err
		}
		return agentjob.Result{Status: agentjob.StatusSuccess, Messages: []string{"ok"}}, nil
	}))
	first := h.enqueue(t, "T1", "claude")
	second := h.enqueue(t, "T2", "claude")

	ctx, cancel := context.WithCancel(context.Background())
	p := h.poller(worker.Config{MaxRunDuration: time.Hour})
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Start(ctx)
	}()

	<-started
	cancel()
	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not stop")
	}

	j := h.job(t, first)
	assert.Equal(t, agentjob.StatusSuccess, j.Status, "shutdown must not abort the running executor")
	assert.Equal(t, []string{"ok"}, j.DisplayMessages())
	assert.Nil(t, j.RunError)
	assert.Equal(t, agentjob.StatusQueued, h.job(t, second).Status, "no claim after cancel")
}

func TestPoller_UsesInjectedLogger(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.execs.Register("claude", executor.Func(func(context.Context, agentjob.ExecRequest) (agentjob.Result, error) {
		return agentjob.Result{Status: agentjob.StatusSuccess}, nil
	}))
	h.enqueue(t, "T1", "claude")

	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	worked, err := h.poller(worker.Config{OwnerID: "logged-poller", Logger: log}).RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, worked)
	assert.Contains(t, buf.String(), "agent job finished")
	assert.Contains(t, buf.String(), "owner_id=logged-poller")
}

func TestPoller_ContextCancelStopsLoop(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.poller(worker.Config{MaxRunDuration: time.Hour, ReapInterval: 10 * time.Millisecond}).Start(ctx)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("poller ignored context cancellation")
	}
}

func TestPoller_ReaperFailsExpiredRuns(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()
	id := h.enqueue(t, "T1", "claude")
	_, err := h.svc.ClaimNext(ctx, "crashed-worker")
	require.NoError(t, err)
	h.store.Backdate(id, 2*time.Hour)

	p := h.poller(worker.Config{MaxRunDuration: time.Hour, ReapInterval: 10 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Start(ctx)
	}()
	require.Eventually(t, func() bool {
		return h.job(t, id).Status == agentjob.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	p.Stop()
	<-done

	ok, err := h.svc.Complete(ctx, agentjob.Completion{
		JobID:           id,
		Status:          agentjob.StatusSuccess,
		Result:          agentjob.Result{Status: agentjob.StatusSuccess},
		ExpectedOwnerID: strPtr("crashed-worker"),
	})
	require.NoError(t, err)
	assert.False(t, ok, "late completion from the expired owner is rejected")
}

func strPtr(s string) *string { return &s }
