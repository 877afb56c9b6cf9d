// Package fetch retrieves documents over HTTP for ingestion and re-verification
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ppiankov/lexledger/internal/model"
)

const fetchMaxRetries = 3

// fetchSleepFunc is the sleep function used between retries (injectable for tests)
var fetchSleepFunc = time.Sleep

var (
	errTooManyRedirects = errors.New("stopped after 3 redirects")

	// ErrDisallowed is returned when robots.txt forbids the URL
	ErrDisallowed = errors.New("disallowed by robots.txt")
	// ErrTooLarge is returned when a body exceeds the configured limit
	ErrTooLarge = errors.New("response body exceeds size limit")
)

// StatusError is a non-2xx response
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status: %d %s", e.Code, e.Status)
}

type httpSettings struct {
	timeout                        time.Duration
	httpProxy, httpsProxy, noProxy string
}

func settingsFrom(cfg model.HTTPConfig) httpSettings {
	return httpSettings{
		timeout:    cfg.Timeout,
		httpProxy:  cfg.HTTPProxy,
		httpsProxy: cfg.HTTPSProxy,
		noProxy:    cfg.NoProxy,
	}
}

// Fetcher retrieves documents and packages them as submissions
type Fetcher struct {
	httpClient *http.Client
	userAgent  string
	maxBytes   int64
	robots     *RobotsChecker
}

// NewFetcher creates a Fetcher from HTTP configuration
func NewFetcher(cfg model.HTTPConfig) *Fetcher {
	client := newClient(settingsFrom(cfg))
	f := &Fetcher{
		httpClient: client,
		userAgent:  cfg.UserAgent,
		maxBytes:   cfg.MaxBodyBytes,
	}
	if f.maxBytes <= 0 {
		f.maxBytes = 8_000_000
	}
	if cfg.RespectRobots {
		f.robots = NewRobotsChecker(cfg.UserAgent, client)
	}
	return f
}

// Fetch retrieves a URL once
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*model.Submission, error) {
	if f.robots != nil {
		allowed, _, err := f.robots.CanFetch(ctx, rawURL)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, fmt.Errorf("%s: %w", rawURL, ErrDisallowed)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("%s: %w (%d bytes)", rawURL, ErrTooLarge, f.maxBytes)
	}

	return &model.Submission{
		URL:             rawURL,
		Raw:             body,
		ContentTypeHint: resp.Header.Get("Content-Type"),
		ChangeSignal:    signalFrom(resp.Header),
		Attributes:      model.SourceAttributes{URL: rawURL},
	}, nil
}

// FetchWithRetry retries transient failures with exponential backoff
func (f *Fetcher) FetchWithRetry(ctx context.Context, rawURL string) (*model.Submission, error) {
	var lastErr error
	for attempt := 0; attempt < fetchMaxRetries; attempt++ {
		sub, err := f.Fetch(ctx, rawURL)
		if err == nil {
			return sub, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		if attempt < fetchMaxRetries-1 {
			fetchSleepFunc(time.Duration(1<<uint(attempt)) * time.Second)
		}
	}
	return nil, lastErr
}

// IsRetryable reports transient failures: 5xx, 429 and network timeouts
func IsRetryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || (se.Code >= 500 && se.Code < 600)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "connection refused") || strings.Contains(s, "connection reset")
}

func signalFrom(h http.Header) model.ChangeSignal {
	sig := model.ChangeSignal{ETag: h.Get("ETag")}
	if lm := h.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			t = t.UTC()
			sig.LastModified = &t
		}
	}
	return sig
}
