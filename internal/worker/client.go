package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"packaging-coordinator/internal/auth"
	"packaging-coordinator/internal/models"
)

var (
	// ErrJobTaken means another packager claimed the job or it moved on.
	ErrJobTaken = errors.New("job taken")
	// ErrLostOwnership means the coordinator no longer lets this packager report on the job.
	ErrLostOwnership = errors.New("job no longer owned")
)

// StatusError is a non-2xx coordinator response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coordinator returned %d: %s", e.Code, e.Message)
}

// Is maps coordinator statuses onto the worker's sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrJobTaken:
		return e.Code == http.StatusConflict || e.Code == http.StatusNotFound
	case ErrLostOwnership:
		return e.Code == http.StatusForbidden || e.Code == http.StatusConflict
	}
	return false
}

// Client talks to the coordinator's packager endpoints.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient builds a client for baseURL authenticating with apiKey.
func NewClient(baseURL, apiKey string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		http:    httpClient,
	}
}

// Report is one progress update. Nil fields are left unchanged.
type Report struct {
	JobID           string            `json:"jobId"`
	WorkerID        string            `json:"workerId"`
	Status          *models.JobStatus `json:"status,omitempty"`
	ProgressPercent *int              `json:"progressPercent,omitempty"`
	ProgressMessage *string           `json:"progressMessage,omitempty"`
	Error           *string           `json:"error,omitempty"`
	IntuneAppID     *string           `json:"intuneAppId,omitempty"`
	IntuneAppURL    *string           `json:"intuneAppUrl,omitempty"`
}

// List returns up to limit queued jobs, oldest first.
func (c *Client) List(ctx context.Context, limit int) ([]models.Job, error) {
	q := url.Values{"status": {string(models.StatusQueued)}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Jobs []models.Job `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/packager/jobs?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

// Claim reserves jobID for workerID.
func (c *Client) Claim(ctx context.Context, jobID, workerID string) (models.Job, error) {
	var job models.Job
	body := map[string]string{"jobId": jobID, "workerId": workerID}
	err := c.do(ctx, http.MethodPost, "/packager/jobs", body, &job)
	return job, err
}

// Report sends a progress update; it doubles as the heartbeat.
func (c *Client) Report(ctx context.Context, r Report) (models.Job, error) {
	var job models.Job
	err := c.do(ctx, http.MethodPatch, "/packager/jobs", r, &job)
	return job, err
}

// Release hands jobID back to the queue.
func (c *Client) Release(ctx context.Context, jobID, workerID string) error {
	q := url.Values{"jobId": {jobID}, "workerId": {workerID}}
	return c.do(ctx, http.MethodDelete, "/packager/jobs?"+q.Encode(), nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set(auth.PackagerKeyHeader, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
