package worker

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ppiankov/lexledger/internal/model"
)

// Ingester fetches a URL and stores it as evidence
type Ingester interface {
	IngestURL(ctx context.Context, url string) (*model.Evidence, bool, error)
}

// IngestTask ingests one URL
type IngestTask struct {
	URL      string
	Ingester Ingester
	Limiter  *Limiter
}

// Run executes the ingest task
func (t *IngestTask) Run(ctx context.Context) Result {
	if host, err := HostKey(t.URL); err == nil {
		if err := t.Limiter.Wait(ctx, host); err != nil {
			return &IngestResult{URL: t.URL, Error: err}
		}
	}
	ev, created, err := t.Ingester.IngestURL(ctx, t.URL)
	return &IngestResult{URL: t.URL, Evidence: ev, Created: created, Error: err}
}

// IngestResult is the outcome of one IngestTask
type IngestResult struct {
	URL      string
	Evidence *model.Evidence
	Created  bool
	Error    error
}

// Err returns the ingest error
func (r *IngestResult) Err() error {
	return r.Error
}

// BatchIngester ingests many URLs concurrently, rate limited per host
type BatchIngester struct {
	ingester    Ingester
	concurrency int
	limiter     *Limiter
}

// NewBatchIngester creates a batch ingester. requestsPerSecond applies per host.
func NewBatchIngester(ingester Ingester, concurrency int, requestsPerSecond float64, burst int) *BatchIngester {
	return &BatchIngester{
		ingester:    ingester,
		concurrency: concurrency,
		limiter:     NewLimiter(requestsPerSecond, burst),
	}
}

// IngestURLs processes urls and returns one result per URL
func (b *BatchIngester) IngestURLs(ctx context.Context, urls []string) []*IngestResult {
	if len(urls) == 0 {
		return []*IngestResult{}
	}

	pool := NewPool(ctx, b.concurrency)
	pool.Start()

	for _, url := range urls {
		pool.Submit(&IngestTask{URL: url, Ingester: b.ingester, Limiter: b.limiter})
	}

	results := pool.Wait()

	out := make([]*IngestResult, len(results))
	for i, result := range results {
		out[i] = result.(*IngestResult)
	}
	return out
}

// IngestFile reads URLs from a file and ingests them concurrently
func (b *BatchIngester) IngestFile(ctx context.Context, filePath string) ([]*IngestResult, error) {
	urls, err := ReadURLsFromFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("read URLs: %w", err)
	}

	return b.IngestURLs(ctx, urls), nil
}

// ReadURLsFromFile reads URLs from a file (one per line)
func ReadURLsFromFile(filePath string) ([]string, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	var urls []string
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !seen[line] {
			seen[line] = true
			urls = append(urls, line)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan file: %w", err)
	}

	return urls, nil
}
