// Package poll implements the pull channel: a status client for the job
// status endpoints and a poller that turns periodic fetches into status
// snapshots.
package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/datalens/opwatch/internal/domain/tracking"
)

// PermanentError marks a status fetch failure that retrying cannot fix: the
// job does not exist or the caller is not allowed to see it. The poller
// stops and reports fatal instead of hammering the endpoint forever.
type PermanentError struct {
	StatusCode int
	Err        error
}

// Error returns a string representation of the error.
func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent status fetch failure (http %d): %v", e.StatusCode, e.Err)
}

// Unwrap returns the underlying error.
func (e *PermanentError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a PermanentError anywhere in its chain.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// StatusFetcher retrieves one status observation for a job. Implementations
// must be safe for repeated sequential invocation and return a
// PermanentError for conditions retrying cannot fix.
type StatusFetcher func(ctx context.Context) (tracking.Snapshot, error)

// statusResponse is the wire shape of the job status endpoints:
// GET /runs/{id}/status and friends.
type statusResponse struct {
	Status      string          `json:"status"`
	Progress    float64         `json:"progress"`
	CurrentTask string          `json:"current_task"`
	Result      json.RawMessage `json:"result,omitempty"`
	Artifacts   json.RawMessage `json:"artifacts,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
}

// Client fetches job status from the dashboard's REST API.
type Client struct {
	baseURL   string
	authToken string
	httpc     *http.Client
}

// ClientOption configures optional client behavior.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) ClientOption {
	return func(c *Client) { c.httpc = httpc }
}

// WithAuthToken attaches a bearer token to every status fetch.
func WithAuthToken(token string) ClientOption {
	return func(c *Client) { c.authToken = token }
}

// NewClient creates a status client rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// RunStatus returns a StatusFetcher bound to one job's status endpoint. The
// fetcher assigns its own monotonically increasing sequence numbers, scoped
// to the poll channel as the reconciler requires.
func (c *Client) RunStatus(jobID tracking.JobID) StatusFetcher {
	var seq atomic.Uint64
	url := fmt.Sprintf("%s/runs/%s/status", c.baseURL, jobID)

	return func(ctx context.Context) (tracking.Snapshot, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return tracking.Snapshot{}, fmt.Errorf("building status request: %w", err)
		}
		if c.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.authToken)
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return tracking.Snapshot{}, fmt.Errorf("fetching status: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusOK:
		case resp.StatusCode == http.StatusNotFound,
			resp.StatusCode == http.StatusUnauthorized,
			resp.StatusCode == http.StatusForbidden:
			return tracking.Snapshot{}, &PermanentError{
				StatusCode: resp.StatusCode,
				Err:        fmt.Errorf("status endpoint rejected job %s", jobID),
			}
		default:
			return tracking.Snapshot{}, fmt.Errorf("status endpoint returned http %d", resp.StatusCode)
		}

		var body statusResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return tracking.Snapshot{}, fmt.Errorf("decoding status response: %w", err)
		}

		return body.toSnapshot(jobID, seq.Add(1), time.Now()), nil
	}
}

// toSnapshot maps one status response to the common snapshot shape. Unknown
// status strings are treated as Running when a fraction is present and
// Pending otherwise, so a server rolling out new status values degrades to
// conservative behavior instead of an error.
func (r statusResponse) toSnapshot(jobID tracking.JobID, seq uint64, at time.Time) tracking.Snapshot {
	phase := tracking.ParsePhase(r.Status)
	if phase == "" {
		if r.Progress > 0 {
			phase = tracking.PhaseRunning
		} else {
			phase = tracking.PhasePending
		}
	}

	opts := make([]tracking.SnapshotOption, 0, 3)
	if r.CurrentTask != "" {
		opts = append(opts, tracking.WithMessage(r.CurrentTask))
	}

	switch phase {
	case tracking.PhaseCompleted:
		result := r.Result
		if result == nil {
			result = r.Artifacts
		}
		opts = append(opts, tracking.WithResult(result))
	case tracking.PhaseFailed:
		opts = append(opts, tracking.WithFailure(tracking.NewJobFailure(r.CurrentTask, r.Error)))
	}

	return tracking.NewSnapshot(jobID, tracking.SourcePoll, phase, r.Progress, seq, at, opts...)
}
