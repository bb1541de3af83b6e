// Package downloader fetches URLs to disk (or into memory) with
// streaming hash and size verification, bounded retry with exponential
// backoff, and the Ota-File-Cache-Control header the upstream caching
// proxy consumes.
package downloader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/otaclient/otaclient/pkg/log"
	"github.com/otaclient/otaclient/pkg/metrics"
	"github.com/otaclient/otaclient/pkg/otaerrors"
	"github.com/rs/zerolog"
)

// CacheControl is the value of the Ota-File-Cache-Control request
// header consumed by the upstream caching proxy.
type CacheControl string

const (
	UseCache     CacheControl = "use_cache"
	NoCache      CacheControl = "no_cache"
	RetryCaching CacheControl = "retry_caching"
)

const cacheControlHeader = "Ota-File-Cache-Control"

// Options configures a single download.
type Options struct {
	ExpectedHash  string // hex sha256; empty skips verification
	ExpectedSize  int64  // 0 skips verification
	CacheControl  CacheControl
	Cookies       map[string]string
	Headers       map[string]string
	MaxRetry      int
	BackoffFactor time.Duration
	BackoffMax    time.Duration
}

func (o Options) withDefaults() Options {
	if o.CacheControl == "" {
		o.CacheControl = UseCache
	}
	if o.MaxRetry <= 0 {
		o.MaxRetry = 5
	}
	if o.BackoffFactor <= 0 {
		o.BackoffFactor = time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 30 * time.Second
	}
	return o
}

// Downloader fetches URLs to disk (or memory) under a process-wide
// bounded-concurrency semaphore shared by every in-flight download.
type Downloader struct {
	client *http.Client
	sem    chan struct{}
	logger zerolog.Logger
}

// New constructs a Downloader whose in-flight request count never
// exceeds maxConcurrent. proxyURL may be empty.
func New(maxConcurrent int, proxyURL string, timeout time.Duration) (*Downloader, error) {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL != "" {
		fn, err := proxyFunc(proxyURL)
		if err != nil {
			return nil, err
		}
		transport.Proxy = fn
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
	return &Downloader{
		client: client,
		sem:    make(chan struct{}, maxConcurrent),
		logger: log.WithComponent("downloader"),
	}, nil
}

// Download fetches url into dst, retrying per Options.MaxRetry with
// exponential backoff min(backoff_max, factor*2^(n-1)). It returns the
// number of bytes successfully written and a count: the retries made
// (attempts minus one) on success or on a non-retryable error, and the
// attempts made when retries are exhausted or ctx is cancelled during
// a backoff.
func (d *Downloader) Download(ctx context.Context, url, dst string, opts Options) (retries int, bytesDownloaded int64, err error) {
	opts = opts.withDefaults()

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return 0, 0, ctx.Err()
	}
	defer func() { <-d.sem }()

	var lastErr error
	for attempt := 1; attempt <= opts.MaxRetry; attempt++ {
		n, err := d.attemptToFile(ctx, url, dst, opts, attempt)
		if err == nil {
			return attempt - 1, n, nil
		}
		lastErr = err
		metrics.DownloadErrorsTotal.Inc()
		if !retryable(err) {
			return attempt - 1, 0, err
		}
		if attempt == opts.MaxRetry {
			break
		}
		metrics.DownloadRetriesTotal.Inc()
		backoff := backoffFor(opts, attempt)
		d.logger.Warn().Err(err).Str("url", url).Int("attempt", attempt).Dur("backoff", backoff).Msg("download attempt failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return attempt, 0, ctx.Err()
		}
	}
	return opts.MaxRetry, 0, otaerrors.Recoverablef(lastErr, "download %s failed after %d attempts", url, opts.MaxRetry)
}

// FetchBytes fetches url into memory, sharing Download's
// retry/backoff/cache-control semantics. It is for the small manifest
// and meta-stream fetches on the update path that have no reason to
// round-trip through a temp file.
func (d *Downloader) FetchBytes(ctx context.Context, url string, opts Options) (data []byte, retries int, err error) {
	opts = opts.withDefaults()

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
	defer func() { <-d.sem }()

	var lastErr error
	for attempt := 1; attempt <= opts.MaxRetry; attempt++ {
		b, err := d.attemptToMemory(ctx, url, opts, attempt)
		if err == nil {
			return b, attempt - 1, nil
		}
		lastErr = err
		metrics.DownloadErrorsTotal.Inc()
		if !retryable(err) {
			return nil, attempt - 1, err
		}
		if attempt == opts.MaxRetry {
			break
		}
		metrics.DownloadRetriesTotal.Inc()
		backoff := backoffFor(opts, attempt)
		d.logger.Warn().Err(err).Str("url", url).Int("attempt", attempt).Dur("backoff", backoff).Msg("fetch attempt failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		}
	}
	return nil, opts.MaxRetry, otaerrors.Recoverablef(lastErr, "fetch %s failed after %d attempts", url, opts.MaxRetry)
}

func backoffFor(opts Options, attempt int) time.Duration {
	return time.Duration(math.Min(
		float64(opts.BackoffMax),
		float64(opts.BackoffFactor)*math.Pow(2, float64(attempt-1)),
	))
}

func (d *Downloader) do(ctx context.Context, url string, opts Options, attempt int) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	cacheControl := opts.CacheControl
	if attempt > 1 && cacheControl == UseCache {
		cacheControl = RetryCaching
	}
	req.Header.Set(cacheControlHeader, string(cacheControl))
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}
	for name, value := range opts.Cookies {
		req.AddCookie(&http.Cookie{Name: name, Value: value})
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		return nil, fmt.Errorf("server error: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return nil, otaerrors.Unrecoverablef(nil, "non-retryable HTTP status: %s", resp.Status)
	}
	return resp, nil
}

func (d *Downloader) attemptToFile(ctx context.Context, url, dst string, opts Options, attempt int) (int64, error) {
	resp, err := d.do(ctx, url, opts, attempt)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, otaerrors.Unrecoverablef(err, "open destination %s", dst)
	}

	hasher := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(f, hasher), resp.Body)
	closeErr := f.Close()

	if copyErr != nil {
		os.Remove(dst)
		return 0, fmt.Errorf("stream body: %w", copyErr)
	}
	if closeErr != nil {
		os.Remove(dst)
		return 0, fmt.Errorf("close destination: %w", closeErr)
	}
	if err := verifySize(n, opts); err != nil {
		os.Remove(dst)
		return 0, err
	}
	if err := verifyHash(hasher, opts); err != nil {
		os.Remove(dst)
		return 0, err
	}
	return n, nil
}

func (d *Downloader) attemptToMemory(ctx context.Context, url string, opts Options, attempt int) ([]byte, error) {
	resp, err := d.do(ctx, url, opts, attempt)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	hasher := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(&buf, hasher), resp.Body)
	if copyErr != nil {
		return nil, fmt.Errorf("stream body: %w", copyErr)
	}
	if err := verifySize(n, opts); err != nil {
		return nil, err
	}
	if err := verifyHash(hasher, opts); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func verifySize(n int64, opts Options) error {
	if opts.ExpectedSize > 0 && n != opts.ExpectedSize {
		return fmt.Errorf("size mismatch: expected %d, got %d", opts.ExpectedSize, n)
	}
	return nil
}

func verifyHash(hasher interface{ Sum([]byte) []byte }, opts Options) error {
	if opts.ExpectedHash == "" {
		return nil
	}
	got := hex.EncodeToString(hasher.Sum(nil))
	if got != opts.ExpectedHash {
		return fmt.Errorf("hash mismatch: expected %s, got %s", opts.ExpectedHash, got)
	}
	return nil
}

// retryable classifies an error: network errors, 5xx/429, and
// hash/size mismatches are retryable; explicit
// unrecoverable classifications and other 4xx are not.
func retryable(err error) bool {
	var oe *otaerrors.Error
	if errors.As(err, &oe) {
		return oe.Kind != otaerrors.Unrecoverable
	}
	return true
}
