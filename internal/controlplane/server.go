package controlplane

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/fentz26/tessera/internal/models"
	"github.com/fentz26/tessera/internal/scheduler"
)

// UserHeader carries the login user, set by the upstream identity layer.
const UserHeader = "X-Tessera-User"

// Server provides the HTTP API of the daemon.
type Server struct {
	service  *Service
	addr     string
	gatherer prometheus.Gatherer
	server   *http.Server
}

// NewServer creates a new HTTP server. Metrics are served from gatherer.
func NewServer(service *Service, addr string, gatherer prometheus.Gatherer) *Server {
	return &Server{
		service:  service,
		addr:     addr,
		gatherer: gatherer,
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/jobs", s.handleJobs)
	mux.HandleFunc("/jobs/", s.handleJobByID)
	mux.HandleFunc("/tenancies", s.handleTenancies)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return mux
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Infof("Starting Tessera daemon on %s", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// handleJobs handles POST /jobs and GET /jobs
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.submitJob(w, r)
	case http.MethodGet:
		s.listJobs(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleJobByID handles /jobs/{id}/*
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/jobs/")
	parts := strings.Split(path, "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "job id required", http.StatusBadRequest)
		return
	}

	jobID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getJob(w, r, jobID)
	case action == "tasks" && r.Method == http.MethodGet:
		s.getTasks(w, r, jobID)
	case (action == "progress" || action == "status") && r.Method == http.MethodGet:
		s.getProgress(w, r, jobID)
	case action == "log" && r.Method == http.MethodGet:
		s.getLogs(w, r, jobID)
	case action == "kill" && r.Method == http.MethodPost:
		s.killJob(w, r, jobID)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (s *Server) handleTenancies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	stats := s.service.Tenancies()
	if stats == nil {
		stats = []models.TenancyStats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	health := s.service.Health(r.Context())
	status := http.StatusOK
	if !health.OK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

// --- Job Handlers ---

type submitResponse struct {
	JobExecutionID string `json:"jobExecutionId"`
	Tenancy        string `json:"tenancy"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	handle, err := s.service.SubmitJob(r.Context(), loginUser(r), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, submitResponse{JobExecutionID: handle.JobID, Tenancy: handle.Tenancy})
}

type listResponse struct {
	JobList []models.Job `json:"jobList"`
	Total   int          `json:"total"`
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state, ok := models.ParseJobState(q.Get("status"))
	if !ok {
		http.Error(w, "invalid status", http.StatusBadRequest)
		return
	}
	f := models.JobFilter{State: state, Name: q.Get("name")}

	var err error
	if f.LaunchStart, err = parseTime(q.Get("launchStart")); err != nil {
		http.Error(w, "invalid launchStart", http.StatusBadRequest)
		return
	}
	if f.LaunchEnd, err = parseTime(q.Get("launchEnd")); err != nil {
		http.Error(w, "invalid launchEnd", http.StatusBadRequest)
		return
	}
	if f.Current, err = parseInt(q.Get("current")); err != nil {
		http.Error(w, "invalid current", http.StatusBadRequest)
		return
	}
	if f.Size, err = parseInt(q.Get("size")); err != nil {
		http.Error(w, "invalid size", http.StatusBadRequest)
		return
	}

	jobs, total, err := s.service.ListJobs(f)
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, listResponse{JobList: jobs, Total: total})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.service.GetJob(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) getTasks(w http.ResponseWriter, r *http.Request, jobID string) {
	runs, err := s.service.GetTasks(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []models.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request, jobID string) {
	p, err := s.service.GetProgress(jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request, jobID string) {
	v := r.URL.Query()
	var lq models.LogQuery
	var err error
	for key, dst := range map[string]*int{"fromLine": &lq.FromLine, "pageSize": &lq.PageSize, "lastRows": &lq.LastRows} {
		if *dst, err = parseInt(v.Get(key)); err != nil {
			http.Error(w, "invalid "+key, http.StatusBadRequest)
			return
		}
	}
	lq.IgnoreKeywords = splitKeywords(v.Get("ignoreKeywords"))
	lq.OnlyKeywords = splitKeywords(v.Get("onlyKeywords"))

	page, err := s.service.GetLogs(loginUser(r), jobID, lq)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) killJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := s.service.KillJob(loginUser(r), jobID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "killed"})
}

// --- helpers ---

func loginUser(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(UserHeader))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrInvalidJob):
		status = http.StatusBadRequest
	case errors.Is(err, ErrAuthorizationDenied):
		status = http.StatusForbidden
	case errors.Is(err, ErrJobNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrTenancyLimitExceeded), errors.Is(err, scheduler.ErrQueueFull):
		status = http.StatusTooManyRequests
	case errors.Is(err, scheduler.ErrSchedulerStopped):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).Error("request failed")
	}
	http.Error(w, err.Error(), status)
}

func parseInt(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

// parseTime accepts epoch milliseconds or RFC 3339.
func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t := time.UnixMilli(ms).UTC()
		return &t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func splitKeywords(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
