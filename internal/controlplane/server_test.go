package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/tessera/internal/audit"
	"github.com/fentz26/tessera/internal/executor"
	"github.com/fentz26/tessera/internal/models"
	"github.com/fentz26/tessera/internal/scheduler"
	"github.com/fentz26/tessera/internal/store"
)

// scriptRunner logs one line per job and finishes at once, except for the
// "block" command which runs until cancelled.
type scriptRunner struct{}

func (scriptRunner) Name() string                    { return "script" }
func (scriptRunner) IsAllowed(string, []string) bool { return true }

func (scriptRunner) Execute(ctx context.Context, job *models.Job, r executor.Reporter) (*executor.Result, error) {
	r.Log(job.ID, "hello "+job.Name)
	r.Progress(job.ID, 0.5)
	if job.Command == "block" {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return &executor.Result{ExitCode: 0}, nil
}

type testEnv struct {
	server *Server
	store  *store.Store
	sched  *scheduler.Scheduler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	sched, err := scheduler.New(scheduler.DefaultConstraints(), executor.NewPool(scriptRunner{}, 2),
		scheduler.WithStatusListener(st),
		scheduler.WithDecisionRecorder(audit.NewDecisionWriter(st)),
		scheduler.WithRegisterer(reg),
	)
	require.NoError(t, err)
	require.NoError(t, sched.Init())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, _ = sched.Shutdown(ctx)
		st.Close()
	})

	return &testEnv{
		server: NewServer(NewService(sched, st, "test"), "127.0.0.1:0", reg),
		store:  st,
		sched:  sched,
	}
}

func (e *testEnv) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func (e *testEnv) submit(t *testing.T, user string, req SubmitRequest) string {
	t.Helper()
	w := e.do(t, http.MethodPost, "/jobs", user, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp submitResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotEmpty(t, resp.JobExecutionID)
	return resp.JobExecutionID
}

func (e *testEnv) waitStatus(t *testing.T, id string, want models.JobState) {
	t.Helper()
	require.Eventually(t, func() bool {
		job, err := e.store.GetJob(id)
		return err == nil && job != nil && job.State == want
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHealthEndpoint_OK(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.True(t, health.OK)
	assert.Equal(t, "ok", health.DB)
	assert.Equal(t, "test", health.Version)
	assert.NotEmpty(t, health.Time)
}

func TestHealthEndpoint_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, http.MethodPost, "/health", "", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestHealthEndpoint_DBError(t *testing.T) {
	env := newTestEnv(t)
	env.store.Close()

	w := env.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health HealthResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&health))
	assert.False(t, health.OK)
	assert.NotEqual(t, "ok", health.DB)
}

func TestSubmitAndFollowJob(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "hadoop", SubmitRequest{Name: "sync-orders", Command: "datax", Args: []string{"-j", "orders.json"}})
	env.waitStatus(t, id, models.JobStateSucceeded)

	w := env.do(t, http.MethodGet, "/jobs/"+id, "hadoop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var job models.Job
	require.NoError(t, json.NewDecoder(w.Body).Decode(&job))
	assert.Equal(t, "hadoop", job.ExecuteUser)
	assert.Equal(t, "hadoop", job.CreateUser)
	assert.Equal(t, "hadoop", job.Tenancy)

	w = env.do(t, http.MethodGet, "/jobs/"+id+"/progress", "hadoop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var p JobProgress
	require.NoError(t, json.NewDecoder(w.Body).Decode(&p))
	assert.Equal(t, models.JobStateSucceeded, p.Status)
	assert.Equal(t, 1.0, p.Progress)

	var runs []models.Run
	require.Eventually(t, func() bool {
		w := env.do(t, http.MethodGet, "/jobs/"+id+"/tasks", "hadoop", nil)
		runs = nil
		return w.Code == http.StatusOK && json.NewDecoder(w.Body).Decode(&runs) == nil &&
			len(runs) == 1 && runs[0].State == models.JobStateSucceeded
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "datax", runs[0].Command)

	w = env.do(t, http.MethodGet, "/jobs/"+id+"/log?fromLine=1&pageSize=10", "hadoop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page models.LogPage
	require.NoError(t, json.NewDecoder(w.Body).Decode(&page))
	assert.Equal(t, []string{"hello sync-orders"}, page.Logs)
	assert.True(t, page.IsEnd)

	ds, err := env.store.ListDecisions(id)
	require.NoError(t, err)
	assert.NotEmpty(t, ds)
}

func TestSubmitExecuteUserOverridesLoginUser(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "alice", SubmitRequest{Command: "datax", ExecuteUser: "hadoop"})

	job, err := env.sched.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "alice", job.CreateUser)
	assert.Equal(t, "hadoop", job.ExecuteUser)
	assert.Equal(t, "hadoop", job.Tenancy)
	assert.Equal(t, "datax", job.Name)
}

func TestSubmitErrors(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/jobs", "hadoop", SubmitRequest{Name: "no command"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/jobs", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	env.submit(t, "hadoop", SubmitRequest{Command: "datax"})
	w = env.do(t, http.MethodPost, "/jobs", "log", SubmitRequest{Command: "datax"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), scheduler.ErrTenancyLimitExceeded.Error())
}

func TestKillJob(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, "hadoop", SubmitRequest{Command: "block"})
	env.waitStatus(t, id, models.JobStateRunning)

	w := env.do(t, http.MethodPost, "/jobs/"+id+"/kill", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do(t, http.MethodGet, "/jobs/"+id+"/log", "mallory", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodPost, "/jobs/"+id+"/kill", "hadoop", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	env.waitStatus(t, id, models.JobStateKilled)

	w = env.do(t, http.MethodPost, "/jobs/"+id+"/kill", "hadoop", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnknownJob(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/jobs/missing", "/jobs/missing/status", "/jobs/missing/tasks", "/jobs/missing/log"} {
		w := env.do(t, http.MethodGet, path, "hadoop", nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
	w := env.do(t, http.MethodPost, "/jobs/missing/kill", "hadoop", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = env.do(t, http.MethodGet, "/jobs/x/unknown", "hadoop", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, env.submit(t, "hadoop", SubmitRequest{Name: "export", Command: "datax"}))
	}
	for _, id := range ids {
		env.waitStatus(t, id, models.JobStateSucceeded)
	}

	w := env.do(t, http.MethodGet, "/jobs?status=succeeded&size=2&current=1", "hadoop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp listResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 3, resp.Total)
	assert.Len(t, resp.JobList, 2)

	w = env.do(t, http.MethodGet, "/jobs?status=bogus", "hadoop", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = env.do(t, http.MethodGet, "/jobs?launchStart=yesterday", "hadoop", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/jobs?launchStart=0&launchEnd=2000-01-01T00:00:00Z", "hadoop", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp = listResponse{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, 0, resp.Total)
	assert.NotNil(t, resp.JobList)
}

func TestTenanciesAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	env.submit(t, "hadoop", SubmitRequest{Command: "block"})

	w := env.do(t, http.MethodGet, "/tenancies", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats []models.TenancyStats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	require.Len(t, stats, 1)
	assert.Equal(t, "hadoop", stats[0].Tenancy)
	assert.Equal(t, 5000, stats[0].MaxCapacity)

	w = env.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "tessera_jobs_admitted_total")
	assert.Contains(t, w.Body.String(), `tessera_tenancy_queued_jobs{tenancy="hadoop"}`)
}
