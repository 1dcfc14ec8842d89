package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Kandimus/FreeDistributedBuild/internal/domain"
	"github.com/Kandimus/FreeDistributedBuild/internal/notify"
)

func summary() *domain.JobSummary {
	return &domain.JobSummary{JobID: "job-9", Projects: []string{"game"}, Total: 2, Succeeded: 1, Errors: 1}
}

func TestNewWebhook_EmptyURL(t *testing.T) {
	_, err := notify.NewWebhook("")
	require.Error(t, err)
}

func TestWebhook_PostsSummary(t *testing.T) {
	var (
		gotMethod string
		gotType   string
		got       domain.JobSummary
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotType = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	wh, err := notify.NewWebhook(srv.URL)
	require.NoError(t, err)
	require.NoError(t, wh.JobFinished(context.Background(), summary()))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "job-9", got.JobID)
	assert.Equal(t, 1, got.Errors)
}

func TestWebhook_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	wh, err := notify.NewWebhook(srv.URL)
	require.NoError(t, err)
	err = wh.JobFinished(context.Background(), summary())
	require.Error(t, err, "status 500 should produce an error")
}

func TestWebhook_CustomMethodAndHeaders(t *testing.T) {
	var gotMethod, gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotToken = r.Header.Get("X-Token")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh, err := notify.NewWebhook(srv.URL, notify.WithMethod(http.MethodPut), notify.WithHeader("X-Token", "abc"))
	require.NoError(t, err)
	require.NoError(t, wh.JobFinished(context.Background(), summary()))

	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "abc", gotToken)
}

func TestWebhook_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	wh, err := notify.NewWebhook(url)
	require.NoError(t, err)
	require.Error(t, wh.JobFinished(context.Background(), summary()))
}
