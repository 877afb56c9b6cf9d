package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/lexledger/internal/model"
)

// mockIngester implements Ingester
type mockIngester struct {
	shouldError bool
	mu          sync.Mutex
	seen        []string
}

func (m *mockIngester) IngestURL(ctx context.Context, url string) (*model.Evidence, bool, error) {
	time.Sleep(5 * time.Millisecond)
	m.mu.Lock()
	m.seen = append(m.seen, url)
	m.mu.Unlock()
	if m.shouldError {
		return nil, false, errors.New("fetch error")
	}
	return &model.Evidence{ID: "ev-" + url, URL: url}, true, nil
}

func TestBatchIngester_IngestURLs(t *testing.T) {
	ingester := &mockIngester{}
	batch := NewBatchIngester(ingester, 2, 0, 0)

	urls := []string{"http://example.com/a", "http://example.com/b", "http://gov.example/c"}
	results := batch.IngestURLs(context.Background(), urls)

	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	for _, res := range results {
		if res.Err() != nil {
			t.Errorf("unexpected error for %s: %v", res.URL, res.Err())
		}
		if res.Evidence == nil || !res.Created {
			t.Errorf("expected created evidence for %s", res.URL)
		}
	}
	if len(ingester.seen) != 3 {
		t.Errorf("expected 3 ingest calls, got %d", len(ingester.seen))
	}
}

func TestBatchIngester_IngestURLs_Error(t *testing.T) {
	batch := NewBatchIngester(&mockIngester{shouldError: true}, 2, 0, 0)

	results := batch.IngestURLs(context.Background(), []string{"http://example.com"})
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].Error == nil {
		t.Error("expected error, got nil")
	}
	if results[0].Evidence != nil {
		t.Error("expected nil evidence on error")
	}
}

func TestBatchIngester_IngestURLs_Empty(t *testing.T) {
	batch := NewBatchIngester(&mockIngester{}, 2, 0, 0)

	results := batch.IngestURLs(context.Background(), []string{})
	if len(results) != 0 {
		t.Errorf("expected 0 results, got %d", len(results))
	}
}

func writeURLFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "urls.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReadURLsFromFile(t *testing.T) {
	path := writeURLFile(t, "http://example.com\n# comment\nhttps://gov.example\n   \nhttp://example.com\nhttp://other.example   ")

	urls, err := ReadURLsFromFile(path)
	if err != nil {
		t.Fatalf("ReadURLsFromFile failed: %v", err)
	}

	expected := []string{"http://example.com", "https://gov.example", "http://other.example"}
	if len(urls) != len(expected) {
		t.Fatalf("expected %d URLs, got %d", len(expected), len(urls))
	}
	for i, url := range urls {
		if url != expected[i] {
			t.Errorf("expected URL %s at index %d, got %s", expected[i], i, url)
		}
	}
}

func TestReadURLsFromFile_NonExistent(t *testing.T) {
	_, err := ReadURLsFromFile("non_existent_file.txt")
	if err == nil {
		t.Error("expected error for non-existent file, got nil")
	}
}

func TestBatchIngester_IngestFile(t *testing.T) {
	path := writeURLFile(t, "http://example.com\nhttps://gov.example\n# comment\n\nhttp://other.example\n")

	batch := NewBatchIngester(&mockIngester{}, 2, 0, 0)
	results, err := batch.IngestFile(context.Background(), path)
	if err != nil {
		t.Fatalf("IngestFile failed: %v", err)
	}
	if len(results) != 3 {
		t.Errorf("expected 3 results, got %d", len(results))
	}

	if _, err := batch.IngestFile(context.Background(), "no_such_file.txt"); err == nil {
		t.Error("expected error for non-existent file, got nil")
	}
}
