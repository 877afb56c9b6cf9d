package cli

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/lexledger/internal/model"
	"github.com/ppiankov/lexledger/internal/worker"
)

var (
	ingestFile         string
	ingestContent      string
	ingestURL          string
	ingestPublisher    string
	ingestDocumentType string
	ingestConcurrency  int
	ingestTimeout      time.Duration
	ingestDrain        bool
)

// ingestCmd represents the ingest command
var ingestCmd = &cobra.Command{
	Use:   "ingest [url...]",
	Short: "Store documents as evidence and queue them for extraction",
	Long: `Ingest fetches URLs (or reads a local document) and stores each as an
immutable evidence record. New content is queued for extraction; resubmitting
identical content is a no-op.

Example:
  lexledger ingest https://www.legislation.gov.uk/ukpga/1994/23
  lexledger ingest --file urls.txt --concurrency 4
  lexledger ingest --content act.txt --url https://example.gov/act --document-type statute
  lexledger ingest --file urls.txt --drain   # also run the queue to completion`,
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "file with one URL per line")
	ingestCmd.Flags().StringVar(&ingestContent, "content", "", "local document to submit instead of fetching")
	ingestCmd.Flags().StringVar(&ingestURL, "url", "", "source URL recorded for --content")
	ingestCmd.Flags().StringVar(&ingestPublisher, "publisher", "", "publisher attribute for --content")
	ingestCmd.Flags().StringVar(&ingestDocumentType, "document-type", "", "document type attribute for --content (statute, regulation, guidance, ...)")
	ingestCmd.Flags().IntVar(&ingestConcurrency, "concurrency", runtime.NumCPU(), "number of concurrent fetches")
	ingestCmd.Flags().DurationVar(&ingestTimeout, "timeout", 10*time.Minute, "total timeout")
	ingestCmd.Flags().BoolVar(&ingestDrain, "drain", false, "process queued work before exiting")
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestContent == "" && ingestFile == "" && len(args) == 0 {
		return fmt.Errorf("nothing to ingest: pass URLs, --file or --content")
	}
	ctx, cancel := context.WithTimeout(context.Background(), ingestTimeout)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if ingestContent != "" {
		if err := ingestLocal(ctx, a); err != nil {
			return err
		}
	}

	urls := args
	if ingestFile != "" {
		fromFile, err := worker.ReadURLsFromFile(ingestFile)
		if err != nil {
			return err
		}
		urls = append(urls, fromFile...)
	}
	if len(urls) > 0 {
		ingester := worker.NewBatchIngester(a.p, ingestConcurrency, a.cfg.Extraction.RequestsPerSecond, a.cfg.Extraction.Burst)
		results := ingester.IngestURLs(ctx, urls)

		failures := 0
		for _, r := range results {
			switch {
			case r.Error != nil:
				failures++
				fmt.Fprintf(os.Stderr, "✗ %s: %v\n", r.URL, r.Error)
			case r.Created:
				fmt.Fprintf(os.Stderr, "✓ %s → %s (tier %s)\n", r.URL, r.Evidence.ID, r.Evidence.Tier)
			default:
				fmt.Fprintf(os.Stderr, "= %s unchanged (%s)\n", r.URL, r.Evidence.ID)
			}
		}
		fmt.Fprintf(os.Stderr, "\n  Total: %d  Failures: %d\n", len(results), failures)
	}

	if ingestDrain {
		n, err := a.p.Drain(ctx)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}
		fmt.Fprintf(os.Stderr, "✓ Processed %d queued jobs\n", n)
	}
	return nil
}

func ingestLocal(ctx context.Context, a *app) error {
	if ingestURL == "" {
		return fmt.Errorf("--url is required with --content")
	}
	raw, err := os.ReadFile(ingestContent)
	if err != nil {
		return fmt.Errorf("read %s: %w", ingestContent, err)
	}
	ev, created, err := a.p.Submit(ctx, model.Submission{
		URL:             ingestURL,
		Raw:             raw,
		ContentTypeHint: mime.TypeByExtension(filepath.Ext(ingestContent)),
		Attributes: model.SourceAttributes{
			URL:          ingestURL,
			Publisher:    ingestPublisher,
			DocumentType: ingestDocumentType,
		},
	})
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(os.Stderr, "✓ %s → %s (tier %s)\n", ingestURL, ev.ID, ev.Tier)
	} else {
		fmt.Fprintf(os.Stderr, "= %s unchanged (%s)\n", ingestURL, ev.ID)
	}
	return nil
}
