package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobwatch/jobwatch/internal/job"
	"github.com/jobwatch/jobwatch/internal/notification"
)

func newTestAPI(t *testing.T, h http.Handler) *API {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	api, err := NewAPI(APIConfig{BaseURL: srv.URL, APIKey: "k1", UserID: "u1"})
	require.NoError(t, err)
	return api
}

func TestAPI_GetJobSendsAuthAndReturnsSnapshot(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/jobs/j1", r.URL.Path)
		assert.Equal(t, "k1", r.Header.Get("X-API-Key"))
		assert.Equal(t, "u1", r.Header.Get("X-User-ID"))
		json.NewEncoder(w).Encode(job.Job{
			ID: "j1", RoomKey: "course:1", Status: job.StatusFailed, Progress: 30,
			Error: "boom", Result: json.RawMessage(`{"stale":true}`),
		})
	}))

	snap, err := api.GetJob(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, job.StatusFailed, snap.Status)
	assert.Equal(t, "boom", snap.Error)
	assert.Nil(t, snap.Result, "failed snapshots carry no result")
}

func TestAPI_StatusErrorsMapToSentinels(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/jobs/missing":
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":"job not found"}`))
		default:
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"job is not failed"}`))
		}
	}))

	_, err := api.GetJob(context.Background(), "missing")
	assert.ErrorIs(t, err, job.ErrNotFound)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "job not found", se.Message)

	err = api.ReprocessJob(context.Background(), "j1")
	assert.ErrorIs(t, err, job.ErrConflict)
}

func TestAPI_NotificationCalls(t *testing.T) {
	t.Parallel()
	var calls []string
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/notifications", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "list "+r.URL.Query().Get("page")+"/"+r.URL.Query().Get("limit"))
		json.NewEncoder(w).Encode(notification.Page{
			Items:       []notification.Notification{{ID: "n1", Title: "done"}},
			UnreadCount: 5,
			Pagination:  notification.Pagination{Page: 2, Limit: 10, Total: 11, Pages: 2},
		})
	})
	mux.HandleFunc("PATCH /api/v1/notifications/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "read "+r.PathValue("id"))
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("PATCH /api/v1/notifications/read-all", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "read-all")
	})
	mux.HandleFunc("DELETE /api/v1/notifications/{id}", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "delete "+r.PathValue("id"))
	})
	mux.HandleFunc("DELETE /api/v1/notifications", func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, "clear")
	})
	api := newTestAPI(t, mux)
	ctx := context.Background()

	page, err := api.ListNotifications(ctx, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, 5, page.UnreadCount)
	assert.Equal(t, 2, page.Pagination.Pages)
	require.NoError(t, api.MarkRead(ctx, "n1"))
	require.NoError(t, api.MarkAllRead(ctx))
	require.NoError(t, api.DeleteNotification(ctx, "n1"))
	require.NoError(t, api.DeleteAllNotifications(ctx))

	assert.Equal(t, []string{"list 2/10", "read n1", "read-all", "delete n1", "clear"}, calls)
}

func TestAPI_SubmitJobDefaultsOwner(t *testing.T) {
	t.Parallel()
	api := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req job.CreateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "u1", req.OwnerID)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(job.Job{ID: "j9", OwnerID: req.OwnerID, RoomKey: req.RoomKey, Status: job.StatusPending})
	}))

	j, err := api.SubmitJob(context.Background(), job.CreateRequest{RoomKey: "course:1", Source: "doc.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "j9", j.ID)
}

func TestAPI_BreakerOpensOnServerErrors(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	api := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	for range 3 {
		assert.Error(t, api.CancelJob(context.Background(), "j1"))
	}
	err := api.CancelJob(context.Background(), "j1")
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, int32(3), hits.Load())
}

func TestAPI_ClientErrorsDoNotTripBreaker(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	api := newTestAPI(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))

	for range 5 {
		_, err := api.GetJob(context.Background(), "gone")
		assert.ErrorIs(t, err, job.ErrNotFound)
	}
	assert.Equal(t, int32(5), hits.Load())
}

func TestNewAPI_RejectsBadURL(t *testing.T) {
	t.Parallel()
	_, err := NewAPI(APIConfig{BaseURL: "ftp://example.com"})
	assert.Error(t, err)
}
