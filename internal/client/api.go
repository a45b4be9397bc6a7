// Package client talks to a jobwatchd server: JSON over HTTP for reads and writes,
// a websocket for pushed events.
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
	"time"

	"github.com/sony/gobreaker"

	"github.com/jobwatch/jobwatch/internal/job"
	"github.com/jobwatch/jobwatch/internal/notification"
)

const defaultTimeout = 15 * time.Second

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Is maps 404 and 409 answers onto the store sentinels so callers can use errors.Is.
func (e *StatusError) Is(target error) bool {
	switch target {
	case job.ErrNotFound:
		return e.Code == http.StatusNotFound
	case notification.ErrNotFound:
		return e.Code == http.StatusNotFound
	case job.ErrConflict:
		return e.Code == http.StatusConflict
	}
	return false
}

// APIConfig configures an API client.
type APIConfig struct {
	BaseURL string
	APIKey  string
	UserID  string
	Timeout time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
}

// API is the pull channel and write path of the observer. Every request runs through a
// circuit breaker so a dead server fails fast instead of stacking timeouts.
type API struct {
	base    *url.URL
	apiKey  string
	userID  string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
}

func NewAPI(cfg APIConfig) (*API, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("server url must be http or https, got %q", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "jobwatch-api",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 3 && failureRatio >= 0.6
		},
		// A 4xx is the server working as intended.
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < http.StatusInternalServerError
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &API{
		base:    base,
		apiKey:  cfg.APIKey,
		userID:  cfg.UserID,
		http:    hc,
		breaker: cb,
	}, nil
}

// UserID returns the user the client acts for.
func (a *API) UserID() string { return a.userID }

func (a *API) SubmitJob(ctx context.Context, req job.CreateRequest) (*job.Job, error) {
	if req.OwnerID == "" {
		req.OwnerID = a.userID
	}
	var j job.Job
	if err := a.do(ctx, http.MethodPost, "/api/v1/jobs", nil, req, &j); err != nil {
		return nil, fmt.Errorf("submit job: %w", err)
	}
	return &j, nil
}

// GetJob fetches the pull-channel snapshot of a job.
func (a *API) GetJob(ctx context.Context, jobID string) (job.Snapshot, error) {
	var j job.Job
	if err := a.do(ctx, http.MethodGet, "/api/v1/jobs/"+url.PathEscape(jobID), nil, nil, &j); err != nil {
		return job.Snapshot{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return j.Snapshot(), nil
}

// ReprocessJob moves a failed job back to pending.
func (a *API) ReprocessJob(ctx context.Context, jobID string) error {
	if err := a.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(jobID)+"/reprocess", nil, nil, nil); err != nil {
		return fmt.Errorf("reprocess job %s: %w", jobID, err)
	}
	return nil
}

// CancelJob asks the server to stop a job. Cancelling a finished job succeeds without effect.
func (a *API) CancelJob(ctx context.Context, jobID string) error {
	if err := a.do(ctx, http.MethodPost, "/api/v1/jobs/"+url.PathEscape(jobID)+"/cancel", nil, nil, nil); err != nil {
		return fmt.Errorf("cancel job %s: %w", jobID, err)
	}
	return nil
}

func (a *API) ListNotifications(ctx context.Context, page, limit int) (*notification.Page, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	var p notification.Page
	if err := a.do(ctx, http.MethodGet, "/api/v1/notifications", q, nil, &p); err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	return &p, nil
}

func (a *API) MarkRead(ctx context.Context, id string) error {
	if err := a.do(ctx, http.MethodPatch, "/api/v1/notifications/"+url.PathEscape(id)+"/read", nil, nil, nil); err != nil {
		return fmt.Errorf("mark notification %s read: %w", id, err)
	}
	return nil
}

func (a *API) MarkAllRead(ctx context.Context) error {
	if err := a.do(ctx, http.MethodPatch, "/api/v1/notifications/read-all", nil, nil, nil); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return nil
}

func (a *API) DeleteNotification(ctx context.Context, id string) error {
	if err := a.do(ctx, http.MethodDelete, "/api/v1/notifications/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return fmt.Errorf("delete notification %s: %w", id, err)
	}
	return nil
}

func (a *API) DeleteAllNotifications(ctx context.Context) error {
	if err := a.do(ctx, http.MethodDelete, "/api/v1/notifications", nil, nil, nil); err != nil {
		return fmt.Errorf("delete all notifications: %w", err)
	}
	return nil
}

func (a *API) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	_, err := a.breaker.Execute(func() (any, error) {
		return nil, a.roundTrip(ctx, method, path, query, body, out)
	})
	return err
}

func (a *API) roundTrip(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := *a.base
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = query.Encode()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", a.apiKey)
	if a.userID != "" {
		req.Header.Set("X-User-ID", a.userID)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(raw, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(raw))
		}
		return &StatusError{Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
