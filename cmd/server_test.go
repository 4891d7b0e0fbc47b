package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vicedomini-Softworks/mysql-loader/cmd/jobs"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type countingNotifier struct {
	n atomic.Int64
}

func (c *countingNotifier) Notify() { c.n.Add(1) }

type serverFixture struct {
	srv    *httptest.Server
	store  *jobs.Store
	pool   *countingNotifier
	config *Config
}

func newServerFixture(t *testing.T, mutate func(c *Config)) *serverFixture {
	t.Helper()
	config := validConfig()
	config.UploadDir = filepath.Join(t.TempDir(), "uploads")
	config.WorkDir = filepath.Join(t.TempDir(), "work")
	if mutate != nil {
		mutate(config)
	}

	store, err := jobs.OpenStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	pool := &countingNotifier{}
	srv := httptest.NewServer(NewServer(config, store, pool, nil, newTestLogger()).Handler(ctx))
	t.Cleanup(srv.Close)

	return &serverFixture{srv: srv, store: store, pool: pool, config: config}
}

func (f *serverFixture) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	require.NoError(t, err)
	req.SetBasicAuth(f.config.Auth.User, f.config.Auth.Pass)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestServerHealth(t *testing.T) {
	f := newServerFixture(t, nil)

	resp, err := http.Get(f.srv.URL + "/api/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeBody(t, resp)["status"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestServerRequiresBasicAuth(t *testing.T) {
	f := newServerFixture(t, nil)

	for _, path := range []string{"/api/upload", "/api/jobs"} {
		method := http.MethodGet
		if path == "/api/upload" {
			method = http.MethodPost
		}
		req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader("x"))
		require.NoError(t, err)
		req.SetBasicAuth(f.config.Auth.User, "wrong")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
}

func TestServerUpload(t *testing.T) {
	t.Run("stores the body and queues a job", func(t *testing.T) {
		f := newServerFixture(t, nil)
		payload := []byte("PK fake zip bytes")

		resp := f.do(t, http.MethodPost, "/api/upload?filename=backup.zip", bytes.NewReader(payload), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, "Upload complete. SQL migration started.", body["message"])
		id, _ := body["job_id"].(string)
		require.NotEmpty(t, id)

		job, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, jobs.StateReceived, job.State)
		assert.Nil(t, job.StartedAt)
		assert.Equal(t, f.config.UploadDir, filepath.Dir(job.Source))
		assert.True(t, strings.HasPrefix(filepath.Base(job.Source), "upload-"))
		assert.True(t, strings.HasSuffix(job.Source, ".zip"))

		stored, err := os.ReadFile(job.Source)
		require.NoError(t, err)
		assert.Equal(t, payload, stored)
		assert.Equal(t, int64(1), f.pool.n.Load())
	})

	t.Run("unknown extension is dropped", func(t *testing.T) {
		f := newServerFixture(t, nil)

		resp := f.do(t, http.MethodPost, "/api/upload", strings.NewReader("data"),
			map[string]string{"X-Filename": "../../etc/passwd"})
		require.Equal(t, http.StatusOK, resp.StatusCode)

		job, err := f.store.Get(context.Background(), decodeBody(t, resp)["job_id"].(string))
		require.NoError(t, err)
		assert.Equal(t, f.config.UploadDir, filepath.Dir(job.Source))
		assert.Empty(t, filepath.Ext(strings.TrimPrefix(filepath.Base(job.Source), "upload-")))
	})

	t.Run("empty body is rejected", func(t *testing.T) {
		f := newServerFixture(t, nil)

		resp := f.do(t, http.MethodPost, "/api/upload", http.NoBody, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "No body stream", decodeBody(t, resp)["error"])
		assert.Zero(t, f.pool.n.Load())
	})

	t.Run("oversized body is rejected", func(t *testing.T) {
		f := newServerFixture(t, func(c *Config) { c.MaxBodySize = 16 })

		resp := f.do(t, http.MethodPost, "/api/upload", strings.NewReader(strings.Repeat("x", 64)), nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

		entries, _ := os.ReadDir(f.config.UploadDir)
		assert.Empty(t, entries, "partial upload should be removed")
		list, err := f.store.List(context.Background(), 10)
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestServerImport(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"remote http source", `{"source":"https://example.com/dump.sql.gz"}`, http.StatusAccepted},
		{"remote s3 source", `{"source":"s3://backups/nightly.zip"}`, http.StatusAccepted},
		{"local path refused", `{"source":"/etc/passwd"}`, http.StatusBadRequest},
		{"s3 without key", `{"source":"s3://backups"}`, http.StatusBadRequest},
		{"malformed json", `{"source":`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(t, nil)

			resp := f.do(t, http.MethodPost, "/api/import", strings.NewReader(tt.body),
				map[string]string{"Content-Type": "application/json"})
			require.Equal(t, tt.status, resp.StatusCode)

			body := decodeBody(t, resp)
			if tt.status != http.StatusAccepted {
				assert.NotEmpty(t, body["error"])
				return
			}
			job, err := f.store.Get(context.Background(), body["job_id"].(string))
			require.NoError(t, err)
			assert.Equal(t, jobs.StateReceived, job.State)
			assert.Equal(t, int64(1), f.pool.n.Load())
		})
	}
}

func TestServerJobs(t *testing.T) {
	f := newServerFixture(t, nil)
	ctx := context.Background()

	first := jobs.New("/uploads/a.zip")
	second := jobs.New("/uploads/b.zip")
	require.NoError(t, f.store.Create(ctx, first))
	require.NoError(t, f.store.Create(ctx, second))

	t.Run("list", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/jobs", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Jobs []jobs.Job `json:"jobs"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Len(t, body.Jobs, 2)
	})

	t.Run("list with limit", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/jobs?limit=1", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var body struct {
			Jobs []jobs.Job `json:"jobs"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Len(t, body.Jobs, 1)
	})

	t.Run("bad limit", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/jobs?limit=zero", nil, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("get", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/jobs/"+first.ID, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)

		body := decodeBody(t, resp)
		assert.Equal(t, first.ID, body["id"])
		assert.Equal(t, "a.zip", filepath.Base(body["source"].(string)))
		assert.Equal(t, "received", body["state"])
	})

	t.Run("get missing", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/jobs/does-not-exist", nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "Job not found", decodeBody(t, resp)["error"])
	})

	t.Run("unknown route", func(t *testing.T) {
		resp := f.do(t, http.MethodGet, "/api/nope", nil, nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestServerRateLimitsUploads(t *testing.T) {
	f := newServerFixture(t, func(c *Config) {
		c.RateLimit = RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1}
	})

	resp := f.do(t, http.MethodPost, "/api/upload", strings.NewReader("one"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Limit"))

	resp = f.do(t, http.MethodPost, "/api/upload", strings.NewReader("two"), nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
	assert.Equal(t, "Rate limit exceeded", decodeBody(t, resp)["error"])

	// reads are not limited
	resp = f.do(t, http.MethodGet, "/api/jobs", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
