package client

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"zedit/internal/errors"
	"zedit/internal/remote"
	"zedit/shared/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupClient(t *testing.T, handler http.HandlerFunc) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := New(Config{
		BaseURL:     server.URL,
		Credentials: remote.Credentials{User: "ibmuser", Password: "secret"},
		Timeout:     5 * time.Second,
		Retry: remote.RetryConfig{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
			Multiplier:  1,
		},
	})
	require.NoError(t, err)
	return c
}

func mustTarget(t *testing.T, raw string) shared.Target {
	target, err := shared.ParseTarget(raw)
	require.NoError(t, err)
	return target
}

func TestFetch(t *testing.T) {
	t.Run("USSFile", func(t *testing.T) {
		c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodGet, r.Method)
			assert.Equal(t, "/zosmf/restfiles/fs/u/ibmuser/hello.c", r.URL.Path)
			assert.Equal(t, "true", r.Header.Get("X-IBM-Return-Etag"))
			assert.Equal(t, "true", r.Header.Get("X-CSRF-ZOSMF-HEADER"))
			assert.Equal(t, "text", r.Header.Get("X-IBM-Data-Type"))
			assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

			user, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "ibmuser", user)
			assert.Equal(t, "secret", pass)

			w.Header().Set("ETag", "etag-A")
			w.Write([]byte("int main() {}\n"))
		})

		snap, err := c.Fetch(context.Background(), mustTarget(t, "/u/ibmuser/hello.c"))
		require.NoError(t, err)
		assert.Equal(t, "etag-A", snap.VersionTag)
		assert.Equal(t, "int main() {}\n", string(snap.Content))
	})

	t.Run("DatasetMember", func(t *testing.T) {
		c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/zosmf/restfiles/ds/IBMUSER.JCL(BUILD)", r.URL.Path)
			w.Header().Set("ETag", "ds-1")
			w.Write([]byte("//JOB\n"))
		})

		snap, err := c.Fetch(context.Background(), mustTarget(t, "ibmuser.jcl(build)"))
		require.NoError(t, err)
		assert.Equal(t, "ds-1", snap.VersionTag)
	})

	t.Run("NotFound", func(t *testing.T) {
		c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"category":1,"rc":4,"reason":8,"message":"File not found"}`))
		})

		_, err := c.Fetch(context.Background(), mustTarget(t, "/u/missing"))
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeRemoteNotFound))
		assert.Contains(t, err.Error(), "File not found")
		assert.Contains(t, err.Error(), "/u/missing")
	})

	t.Run("MissingETag", func(t *testing.T) {
		c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("data"))
		})

		_, err := c.Fetch(context.Background(), mustTarget(t, "/u/file"))
		assert.True(t, errors.IsType(err, errors.ErrorTypeRemoteUnavailable))
	})

	t.Run("RetriesServerErrors", func(t *testing.T) {
		var calls int32
		c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("ETag", "etag-A")
			w.Write([]byte("ok"))
		})

		snap, err := c.Fetch(context.Background(), mustTarget(t, "/u/file"))
		require.NoError(t, err)
		assert.Equal(t, "ok", string(snap.Content))
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("GivesUpAfterRetries", func(t *testing.T) {
		var calls int32
		c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusInternalServerError)
		})

		_, err := c.Fetch(context.Background(), mustTarget(t, "/u/file"))
		assert.True(t, errors.IsType(err, errors.ErrorTypeRemoteUnavailable))
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("Unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		base := server.URL
		server.Close()

		c, err := New(Config{
			BaseURL: base,
			Retry:   remote.RetryConfig{MaxAttempts: 1},
		})
		require.NoError(t, err)

		_, err = c.Fetch(context.Background(), mustTarget(t, "/u/file"))
		assert.True(t, errors.IsType(err, errors.ErrorTypeRemoteUnavailable))
	})

	t.Run("Cancelled", func(t *testing.T) {
		c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("ETag", "etag-A")
		})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.Fetch(ctx, mustTarget(t, "/u/file"))
		assert.True(t, errors.IsType(err, errors.ErrorTypeAborted))
	})
}

func TestUpload(t *testing.T) {
	t.Run("ConditionalWrite", func(t *testing.T) {
		c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPut, r.Method)
			assert.Equal(t, "etag-A", r.Header.Get("If-Match"))
			assert.Equal(t, "true", r.Header.Get("X-IBM-Return-Etag"))
			assert.Equal(t, "text/plain", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			assert.Equal(t, "v2", string(body))

			w.Header().Set("ETag", "etag-B")
			w.WriteHeader(http.StatusNoContent)
		})

		tag, err := c.Upload(context.Background(), mustTarget(t, "/u/file"), []byte("v2"), "etag-A")
		require.NoError(t, err)
		assert.Equal(t, "etag-B", tag)
	})

	t.Run("PreconditionFailedIsNotRetried", func(t *testing.T) {
		var calls int32
		c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.Header().Set("ETag", "etag-Z")
			w.WriteHeader(http.StatusPreconditionFailed)
		})

		_, err := c.Upload(context.Background(), mustTarget(t, "/u/file"), []byte("v2"), "etag-A")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeVersionConflict))
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

		var e *errors.Error
		require.ErrorAs(t, err, &e)
		assert.Equal(t, map[string]string{"current_tag": "etag-Z"}, e.Details)
	})

	t.Run("MissingTagReadBackForOwnContent", func(t *testing.T) {
		c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPut {
				w.WriteHeader(http.StatusCreated)
				return
			}
			w.Header().Set("ETag", "etag-B")
			w.Write([]byte("v2"))
		})

		tag, err := c.Upload(context.Background(), mustTarget(t, "/u/file"), []byte("v2"), "etag-A")
		require.NoError(t, err)
		assert.Equal(t, "etag-B", tag)
	})

	t.Run("MissingTagAfterAnotherWriter", func(t *testing.T) {
		// Someone else writes between our PUT and the read-back.
		c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPut {
				w.WriteHeader(http.StatusCreated)
				return
			}
			w.Header().Set("ETag", "etag-C")
			w.Write([]byte("theirs"))
		})

		tag, err := c.Upload(context.Background(), mustTarget(t, "/u/file"), []byte("ours"), "etag-A")
		require.Error(t, err)
		assert.Empty(t, tag)
		assert.True(t, errors.IsType(err, errors.ErrorTypeRemoteUnavailable))
	})

	t.Run("RetriedWriteAlreadyApplied", func(t *testing.T) {
		var mu sync.Mutex
		content, tag := "v1", "etag-A"
		puts := 0
		c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			if r.Method == http.MethodGet {
				w.Header().Set("ETag", tag)
				w.Write([]byte(content))
				return
			}
			puts++
			if r.Header.Get("If-Match") != tag {
				w.Header().Set("ETag", tag)
				w.WriteHeader(http.StatusPreconditionFailed)
				return
			}
			body, _ := io.ReadAll(r.Body)
			content, tag = string(body), "etag-B"
			// The write lands but the response is lost.
			w.WriteHeader(http.StatusBadGateway)
		})

		got, err := c.Upload(context.Background(), mustTarget(t, "/u/file"), []byte("v2"), "etag-A")
		require.NoError(t, err)
		assert.Equal(t, "etag-B", got)
		assert.Equal(t, 2, puts)
	})

	t.Run("RetriedWriteRealConflict", func(t *testing.T) {
		var puts int32
		c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodGet {
				w.Header().Set("ETag", "etag-C")
				w.Write([]byte("theirs"))
				return
			}
			if atomic.AddInt32(&puts, 1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("ETag", "etag-C")
			w.WriteHeader(http.StatusPreconditionFailed)
		})

		_, err := c.Upload(context.Background(), mustTarget(t, "/u/file"), []byte("ours"), "etag-A")
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeVersionConflict))
	})

	t.Run("RequiresTag", func(t *testing.T) {
		c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			t.Fatal("no request expected")
		})

		_, err := c.Upload(context.Background(), mustTarget(t, "/u/file"), []byte("v2"), "")
		assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
	})

	t.Run("Forbidden", func(t *testing.T) {
		c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})

		_, err := c.Upload(context.Background(), mustTarget(t, "/u/file"), []byte("v2"), "etag-A")
		assert.True(t, errors.IsType(err, errors.ErrorTypeRemoteUnavailable))
	})
}

func TestUnsupportedTarget(t *testing.T) {
	c := setupClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := c.Fetch(context.Background(), mustTarget(t, "s3://bucket/key"))
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, base := range []string{"", "not a url", "/relative"} {
		_, err := New(Config{BaseURL: base})
		assert.Error(t, err, base)
	}
}
