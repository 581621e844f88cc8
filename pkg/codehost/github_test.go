package codehost

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cogentd/pkg/workflow"
)

func newTestClient(t *testing.T, mux *http.ServeMux, cfg Config) *Client {
	t.Helper()

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	cfg.BaseURL = server.URL
	if cfg.Owner == "" {
		cfg.Owner = "acme"
	}
	if cfg.Repo == "" {
		cfg.Repo = "demo"
	}

	client, err := NewClient(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	return client
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestEnsureRepo_Existing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/demo", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"name":      "demo",
			"clone_url": "https://github.test/acme/demo.git",
		})
	})

	client := newTestClient(t, mux, Config{})

	url, err := client.EnsureRepo(context.Background(), "demo")
	require.NoError(t, err)
	assert.Equal(t, "https://github.test/acme/demo.git", url)
}

func TestEnsureRepo_CreatesWhenMissing(t *testing.T) {
	var created atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/fresh", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Not Found"})
	})
	mux.HandleFunc("POST /user/repos", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "fresh", body["name"])
		assert.Equal(t, true, body["private"])
		created.Store(true)
		writeJSON(w, http.StatusCreated, map[string]any{
			"name":      "fresh",
			"clone_url": "https://github.test/acme/fresh.git",
		})
	})

	client := newTestClient(t, mux, Config{})

	url, err := client.EnsureRepo(context.Background(), "fresh")
	require.NoError(t, err)
	assert.Equal(t, "https://github.test/acme/fresh.git", url)
	assert.True(t, created.Load())
}

func TestOpenReview(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /repos/acme/demo/pulls", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "[t1] Fix Things", body["title"])
		assert.Equal(t, "feature/t1-fix-things", body["head"])
		assert.Equal(t, "main", body["base"])
		writeJSON(w, http.StatusCreated, map[string]any{
			"number":   7,
			"html_url": "https://github.test/acme/demo/pull/7",
		})
	})

	client := newTestClient(t, mux, Config{})

	review, err := client.OpenReview(context.Background(), workflow.ReviewRequest{
		Title: "[t1] Fix Things",
		Body:  "body",
		Head:  "feature/t1-fix-things",
		Base:  "main",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, review.Number)
	assert.Equal(t, "https://github.test/acme/demo/pull/7", review.URL)
}

func TestMergeOnChecksPass_MergesWhenGreen(t *testing.T) {
	var polls atomic.Int32
	var merged atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/demo/pulls/7", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"number": 7,
			"state":  "open",
			"merged": false,
			"head":   map[string]any{"sha": "abc123"},
		})
	})
	mux.HandleFunc("GET /repos/acme/demo/commits/abc123/status", func(w http.ResponseWriter, r *http.Request) {
		// Pending on the first poll, green after.
		state := "success"
		if polls.Add(1) == 1 {
			state = "pending"
		}
		writeJSON(w, http.StatusOK, map[string]any{"state": state, "sha": "abc123"})
	})
	mux.HandleFunc("PUT /repos/acme/demo/pulls/7/merge", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "squash", body["merge_method"])
		merged.Store(true)
		writeJSON(w, http.StatusOK, map[string]any{"merged": true, "sha": "def456"})
	})

	client := newTestClient(t, mux, Config{
		PollInterval: 20 * time.Millisecond,
		PollTimeout:  5 * time.Second,
	})

	client.MergeOnChecksPass(context.Background(), 7)

	require.Eventually(t, merged.Load, 5*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestMergeOnChecksPass_StopsOnFailedChecks(t *testing.T) {
	var mergeTried atomic.Bool
	var polls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/demo/pulls/3", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"number": 3,
			"state":  "open",
			"merged": false,
			"head":   map[string]any{"sha": "bad000"},
		})
	})
	mux.HandleFunc("GET /repos/acme/demo/commits/bad000/status", func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{"state": "failure", "sha": "bad000"})
	})
	mux.HandleFunc("PUT /repos/acme/demo/pulls/3/merge", func(w http.ResponseWriter, r *http.Request) {
		mergeTried.Store(true)
		writeJSON(w, http.StatusOK, map[string]any{"merged": true})
	})

	client := newTestClient(t, mux, Config{
		PollInterval: 20 * time.Millisecond,
		PollTimeout:  5 * time.Second,
	})

	client.MergeOnChecksPass(context.Background(), 3)

	require.Eventually(t, func() bool { return polls.Load() >= 1 }, 5*time.Second, 10*time.Millisecond)
	// Give the watcher time to (wrongly) merge before asserting it
	// did not.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, mergeTried.Load())
}

func TestTryMerge_AlreadyMerged(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/demo/pulls/9", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"number": 9,
			"state":  "closed",
			"merged": true,
		})
	})

	client := newTestClient(t, mux, Config{})

	done, err := client.tryMerge(context.Background(), 9, zap.NewNop())
	require.NoError(t, err)
	assert.True(t, done)
}

func TestNewClient_RequiresOwner(t *testing.T) {
	_, err := NewClient(context.Background(), Config{}, zap.NewNop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "owner")
}

func TestMergeOnChecksPass_SurvivesCallerCancel(t *testing.T) {
	var merged atomic.Bool

	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/acme/demo/pulls/4", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"number": 4,
			"state":  "open",
			"merged": false,
			"head":   map[string]any{"sha": "live01"},
		})
	})
	mux.HandleFunc("GET /repos/acme/demo/commits/live01/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"state": "success", "sha": "live01"})
	})
	mux.HandleFunc("PUT /repos/acme/demo/pulls/4/merge", func(w http.ResponseWriter, r *http.Request) {
		merged.Store(true)
		writeJSON(w, http.StatusOK, map[string]any{"merged": true})
	})

	client := newTestClient(t, mux, Config{
		PollInterval: 20 * time.Millisecond,
		PollTimeout:  5 * time.Second,
	})

	// The watcher must keep going after the task context ends.
	ctx, cancel := context.WithCancel(context.Background())
	client.MergeOnChecksPass(ctx, 4)
	cancel()

	require.Eventually(t, merged.Load, 5*time.Second, 10*time.Millisecond)
}
