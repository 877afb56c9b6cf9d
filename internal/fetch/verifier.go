package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ppiankov/lexledger/internal/model"
)

// ErrGone is returned when the source answers 404 or 410
var ErrGone = errors.New("source no longer available")

// Verifier obtains a fresh change signal with a HEAD request
type Verifier struct {
	httpClient *http.Client
	userAgent  string
}

// NewVerifier creates a Verifier from HTTP configuration
func NewVerifier(cfg model.HTTPConfig) *Verifier {
	return &Verifier{
		httpClient: newClient(settingsFrom(cfg)),
		userAgent:  cfg.UserAgent,
	}
}

// Check returns the current ETag and Last-Modified of a URL, retrying
// transient failures
func (v *Verifier) Check(ctx context.Context, rawURL string) (model.ChangeSignal, error) {
	var lastErr error
	for attempt := 0; attempt < fetchMaxRetries; attempt++ {
		sig, err := v.head(ctx, rawURL)
		if err == nil {
			return sig, nil
		}
		lastErr = err
		if !IsRetryable(err) || ctx.Err() != nil {
			break
		}
		if attempt < fetchMaxRetries-1 {
			fetchSleepFunc(time.Duration(1<<uint(attempt)) * time.Second)
		}
	}
	return model.ChangeSignal{}, lastErr
}

func (v *Verifier) head(ctx context.Context, rawURL string) (model.ChangeSignal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return model.ChangeSignal{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", v.userAgent)

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return model.ChangeSignal{}, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return model.ChangeSignal{}, fmt.Errorf("%s: %w", rawURL, ErrGone)
	case resp.StatusCode < 200 || resp.StatusCode >= 400:
		return model.ChangeSignal{}, &StatusError{Code: resp.StatusCode, Status: resp.Status}
	}
	return signalFrom(resp.Header), nil
}
