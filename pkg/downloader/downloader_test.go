package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastOpts(o Options) Options {
	o.BackoffFactor = time.Millisecond
	o.BackoffMax = 5 * time.Millisecond
	return o
}

func TestDownloadSucceedsAndVerifiesHash(t *testing.T) {
	body := []byte("hello world")
	sum := sha256.Sum256(body)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	d, err := New(2, "", time.Second)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "out")
	retries, n, err := d.Download(context.Background(), srv.URL, dst, fastOpts(Options{
		ExpectedHash: hex.EncodeToString(sum[:]),
		ExpectedSize: int64(len(body)),
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, retries)
	assert.EqualValues(t, len(body), n)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestDownloadRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d, err := New(2, "", time.Second)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "out")
	retries, _, err := d.Download(context.Background(), srv.URL, dst, fastOpts(Options{MaxRetry: 5}))
	require.NoError(t, err)
	assert.Equal(t, 2, retries)
	assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
}

func TestDownloadDoesNotRetryOn4xx(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d, err := New(2, "", time.Second)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "out")
	_, _, err = d.Download(context.Background(), srv.URL, dst, fastOpts(Options{MaxRetry: 5}))
	assert.Error(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestDownloadFailsAfterExhaustingRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d, err := New(2, "", time.Second)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "out")
	retries, _, err := d.Download(context.Background(), srv.URL, dst, fastOpts(Options{MaxRetry: 3}))
	assert.Error(t, err)
	assert.Equal(t, 3, retries)
}

func TestFetchBytesSucceedsAndVerifiesHash(t *testing.T) {
	body := []byte("manifest contents")
	sum := sha256.Sum256(body)

	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Ota-File-Cache-Control")
		w.Write(body)
	}))
	defer srv.Close()

	d, err := New(2, "", time.Second)
	require.NoError(t, err)

	data, retries, err := d.FetchBytes(context.Background(), srv.URL, fastOpts(Options{
		CacheControl: NoCache,
		ExpectedHash: hex.EncodeToString(sum[:]),
	}))
	require.NoError(t, err)
	assert.Equal(t, 0, retries)
	assert.Equal(t, body, data)
	assert.Equal(t, "no_cache", gotHeader)
}

func TestFetchBytesRetriesOn5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	d, err := New(2, "", time.Second)
	require.NoError(t, err)

	data, retries, err := d.FetchBytes(context.Background(), srv.URL, fastOpts(Options{MaxRetry: 5}))
	require.NoError(t, err)
	assert.Equal(t, 1, retries)
	assert.Equal(t, []byte("ok"), data)
}

func TestDownloadDetectsHashMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	d, err := New(2, "", time.Second)
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "out")
	_, _, err = d.Download(context.Background(), srv.URL, dst, fastOpts(Options{
		ExpectedHash: "deadbeef",
		MaxRetry:     2,
	}))
	assert.Error(t, err)
}
