package tui

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/fentz26/tessera/internal/controlplane"
	"github.com/fentz26/tessera/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the Tessera API on behalf of one login user.
type Client struct {
	baseURL    string
	user       string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL, user string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		user:    user,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// User returns the login user sent with every request.
func (c *Client) User() string {
	return c.user
}

// ListJobs fetches the first page of jobs, optionally filtered by status.
func (c *Client) ListJobs(status models.JobState, size int) ([]models.Job, int, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", string(status))
	}
	if size > 0 {
		q.Set("size", strconv.Itoa(size))
	}
	path := "/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		JobList []models.Job `json:"jobList"`
		Total   int          `json:"total"`
	}
	if err := c.get(path, &resp); err != nil {
		return nil, 0, err
	}
	return resp.JobList, resp.Total, nil
}

// GetJob fetches a single job.
func (c *Client) GetJob(id string) (*models.Job, error) {
	var job models.Job
	if err := c.get("/jobs/"+url.PathEscape(id), &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// GetTasks fetches the runs of a job.
func (c *Client) GetTasks(id string) ([]models.Run, error) {
	var runs []models.Run
	if err := c.get("/jobs/"+url.PathEscape(id)+"/tasks", &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetLogs fetches the last lastRows lines of a job log.
func (c *Client) GetLogs(id string, lastRows int) (*models.LogPage, error) {
	var page models.LogPage
	path := "/jobs/" + url.PathEscape(id) + "/log?lastRows=" + strconv.Itoa(lastRows)
	if err := c.get(path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// SubmitJob submits a job and returns its id.
func (c *Client) SubmitJob(req controlplane.SubmitRequest) (string, error) {
	var resp struct {
		JobExecutionID string `json:"jobExecutionId"`
	}
	if err := c.post("/jobs", req, &resp); err != nil {
		return "", err
	}
	return resp.JobExecutionID, nil
}

// KillJob kills a job.
func (c *Client) KillJob(id string) error {
	return c.post("/jobs/"+url.PathEscape(id)+"/kill", nil, nil)
}

// Tenancies fetches the live tenancy groups.
func (c *Client) Tenancies() ([]models.TenancyStats, error) {
	var stats []models.TenancyStats
	if err := c.get("/tenancies", &stats); err != nil {
		return nil, err
	}
	return stats, nil
}

// CheckHealth checks if the daemon is healthy
func (c *Client) CheckHealth() (bool, error) {
	var health controlplane.HealthResponse
	if err := c.get("/health", &health); err != nil {
		return false, err
	}
	return health.OK, nil
}

func (c *Client) get(path string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.user != "" {
		req.Header.Set(controlplane.UserHeader, c.user)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "API request failed")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return errors.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
