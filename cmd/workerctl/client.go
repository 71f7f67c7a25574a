// Command workerctl is a convenience CLI client for the coordinator's HTTP
// surface: submit a job, watch it run with a live progress bar, and query
// balances/workers. The per-endpoint method on a small Client type mirrors
// the teacher's node/api/client call-site style (one method per endpoint,
// a shared get/post helper underneath), even though the teacher's own
// client.go plumbing file was not part of the retrieved example set.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is a minimal REST client for the coordinator's HTTP API.
type Client struct {
	Address string
	http    *http.Client
}

// NewClient constructs a Client pointed at addr (e.g. "http://localhost:9980").
func NewClient(addr string) *Client {
	return &Client{Address: addr, http: &http.Client{Timeout: 30 * time.Second}}
}

func (c *Client) get(path string, dst interface{}) error {
	resp, err := c.http.Get(c.Address + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrError(resp, dst)
}

func (c *Client) post(path string, body interface{}, dst interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	resp, err := c.http.Post(c.Address+path, "application/json", &buf)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeOrError(resp, dst)
}

func decodeOrError(resp *http.Response, dst interface{}) error {
	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		var apiErr struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &apiErr); err == nil && apiErr.Message != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Message, resp.StatusCode)
		}
		return fmt.Errorf("request failed with status %d", resp.StatusCode)
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// Job mirrors the coordinator's jobResponse wire shape.
type Job struct {
	JobID          string     `json:"job_id"`
	SubmitterID    string     `json:"user_id"`
	Language       string     `json:"language"`
	Status         string     `json:"status"`
	AssignedWorker string     `json:"assigned_worker,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds"`
	Reserved       float64    `json:"reserved"`
	Stdout         string     `json:"stdout,omitempty"`
	Stderr         string     `json:"stderr,omitempty"`
	ExitCode       int        `json:"exit_code,omitempty"`
	HasExitCode    bool       `json:"has_exit_code"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

func (j Job) isTerminal() bool {
	return j.Status == "completed" || j.Status == "failed"
}

// SubmitJob calls POST /jobs.
func (c *Client) SubmitJob(userID, code, language string, timeoutSeconds int) (jobID string, reserved float64, err error) {
	body := map[string]interface{}{
		"user_id":  userID,
		"code":     code,
		"language": language,
	}
	if timeoutSeconds > 0 {
		body["limits"] = map[string]int{"timeout_seconds": timeoutSeconds}
	}
	var resp struct {
		JobID    string  `json:"job_id"`
		Status   string  `json:"status"`
		Reserved float64 `json:"reserved"`
	}
	if err := c.post("/jobs", body, &resp); err != nil {
		return "", 0, err
	}
	return resp.JobID, resp.Reserved, nil
}

// GetJob calls GET /jobs/:id.
func (c *Client) GetJob(jobID string) (Job, error) {
	var j Job
	err := c.get("/jobs/"+jobID, &j)
	return j, err
}

// Balance calls GET /users/:id/balance.
func (c *Client) Balance(userID string) (float64, error) {
	var resp struct {
		UserID  string  `json:"user_id"`
		Balance float64 `json:"balance"`
	}
	if err := c.get("/users/"+userID+"/balance", &resp); err != nil {
		return 0, err
	}
	return resp.Balance, nil
}

// JobHistory calls GET /users/:id/jobs.
func (c *Client) JobHistory(userID string, limit int) ([]Job, error) {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	var jobs []Job
	path := "/users/" + userID + "/jobs"
	if enc := v.Encode(); enc != "" {
		path += "?" + enc
	}
	err := c.get(path, &jobs)
	return jobs, err
}

// ListWorkers calls GET /workers.
func (c *Client) ListWorkers() ([]map[string]interface{}, error) {
	var out []map[string]interface{}
	err := c.get("/workers", &out)
	return out, err
}
