package client

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

	"github.com/sstlabs/esocial-engine/internal/errs"
	"github.com/sstlabs/esocial-engine/internal/lifecycle"
	"github.com/sstlabs/esocial-engine/internal/model"
	"github.com/sstlabs/esocial-engine/internal/submission"
)

// HTTPClient implements EngineClient over the HTTP/JSON API.
type HTTPClient struct {
	baseURL    string
	token      string
	actor      string
	httpClient *http.Client
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithToken sets the bearer token sent on every request.
func WithToken(token string) Option { return func(c *HTTPClient) { c.token = token } }

// WithActor names the principal recorded in the server's audit trail.
func WithActor(actor string) Option { return func(c *HTTPClient) { c.actor = actor } }

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *HTTPClient) { c.httpClient = hc } }

// NewHTTPClient creates a client targeting baseURL (e.g.
// "http://localhost:8080").
func NewHTTPClient(baseURL string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

func (c *HTTPClient) Connectivity(ctx context.Context) (*submission.ConnectivityResult, error) {
	var res submission.ConnectivityResult
	if err := c.doJSON(ctx, http.MethodGet, "/v1/connectivity", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HTTPClient) ListEmployers(ctx context.Context) ([]*model.Employer, error) {
	var resp struct {
		Employers []*model.Employer `json:"employers"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/employers", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Employers, nil
}

// --- Events ---

func (c *HTTPClient) ListEvents(ctx context.Context, req *ListEventsRequest) (*ListEventsResponse, error) {
	q := url.Values{}
	if req.EmployerID != "" {
		q.Set("employer_id", req.EmployerID)
	}
	if len(req.Status) > 0 {
		q.Set("status", strings.Join(req.Status, ","))
	}
	if len(req.Type) > 0 {
		q.Set("type", strings.Join(req.Type, ","))
	}
	if req.BatchID != "" {
		q.Set("batch_id", req.BatchID)
	}
	if req.Sort != "" {
		q.Set("sort", req.Sort)
	}
	if req.Limit > 0 {
		q.Set("limit", strconv.Itoa(req.Limit))
	}
	if req.Offset > 0 {
		q.Set("offset", strconv.Itoa(req.Offset))
	}

	path := "/v1/events"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp ListEventsResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) GetEvent(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	if err := c.doJSON(ctx, http.MethodGet, "/v1/events/"+url.PathEscape(id), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *HTTPClient) DeleteEvent(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	if err := c.doJSON(ctx, http.MethodDelete, "/v1/events/"+url.PathEscape(id), nil, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// --- Batches ---

func (c *HTTPClient) SubmitBatch(ctx context.Context, eventIDs []string) (*lifecycle.SubmitResult, error) {
	return c.batchCall(ctx, "/v1/batches", map[string][]string{"event_ids": eventIDs})
}

func (c *HTTPClient) RetryBatch(ctx context.Context, batchID string) (*lifecycle.SubmitResult, error) {
	return c.batchCall(ctx, "/v1/batches/"+url.PathEscape(batchID)+"/retry", nil)
}

func (c *HTTPClient) batchCall(ctx context.Context, path string, body any) (*lifecycle.SubmitResult, error) {
	var res lifecycle.SubmitResult
	err := c.doJSON(ctx, http.MethodPost, path, body, &res)
	if err == nil {
		return &res, nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && len(apiErr.Result) > 0 {
		var partial lifecycle.SubmitResult
		if json.Unmarshal(apiErr.Result, &partial) == nil {
			return &partial, err
		}
	}
	return nil, err
}

func (c *HTTPClient) PollBatch(ctx context.Context, batchID string) (*lifecycle.PollResult, error) {
	var res lifecycle.PollResult
	if err := c.doJSON(ctx, http.MethodPost, "/v1/batches/"+url.PathEscape(batchID)+"/poll", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *HTTPClient) PollEmployer(ctx context.Context, employerID string) ([]lifecycle.BatchPoll, error) {
	var resp struct {
		Batches []lifecycle.BatchPoll `json:"batches"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/employers/"+url.PathEscape(employerID)+"/poll", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Batches, nil
}

// --- Sync jobs ---

func (c *HTTPClient) ScheduleSync(ctx context.Context, employerTaxID string) (*model.SyncJob, error) {
	var job model.SyncJob
	body := map[string]string{"employer_tax_id": employerTaxID}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sync/jobs", body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *HTTPClient) GetSyncJob(ctx context.Context, id string) (*model.SyncJob, error) {
	var job model.SyncJob
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sync/jobs/"+url.PathEscape(id), nil, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *HTTPClient) ListSyncJobs(ctx context.Context) ([]*model.SyncJob, error) {
	var resp struct {
		Jobs []*model.SyncJob `json:"jobs"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sync/jobs", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

func (c *HTTPClient) SyncStats(ctx context.Context) (*model.SchedulerStats, error) {
	var st model.SchedulerStats
	if err := c.doJSON(ctx, http.MethodGet, "/v1/sync/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// --- internal helpers ---

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
	Kind       errs.Kind
	Code       errs.Code
	Details    []errs.Detail
	// Result is the raw partial outcome some failures carry.
	Result json.RawMessage
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// doJSON performs an HTTP request with optional JSON body and decodes the JSON response.
// If result is nil, the response body is discarded.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.actor != "" {
		req.Header.Set("X-Actor", c.actor)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error   string          `json:"error"`
			Kind    errs.Kind       `json:"kind"`
			Code    errs.Code       `json:"code"`
			Details []errs.Detail   `json:"details"`
			Result  json.RawMessage `json:"result"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{
				StatusCode: resp.StatusCode,
				Message:    errResp.Error,
				Kind:       errResp.Kind,
				Code:       errResp.Code,
				Details:    errResp.Details,
				Result:     errResp.Result,
			}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
