// Package llm talks to extraction-model services. Everything a model returns
// is untrusted and is checked by the extract package before use.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ppiankov/lexledger/internal/model"
)

// Extractor defines the interface for extraction-model providers
type Extractor interface {
	// Name returns the provider name
	Name() string

	// Extract asks the model for candidate pointers in the request text
	Extract(ctx context.Context, req ExtractRequest) (*ExtractResponse, error)

	// IsAvailable checks if the provider is properly configured and accessible
	IsAvailable(ctx context.Context) bool
}

// ExtractRequest is evidence text plus the topics to look for
type ExtractRequest struct {
	EvidenceID string
	Text       string
	Topics     []model.TopicSchema
	Model      string
	MaxTokens  int
}

// IndexUnit is the unit a model used for its offsets
type IndexUnit string

const (
	UnitUTF16     IndexUnit = "utf16"
	UnitCodepoint IndexUnit = "codepoint"
	UnitByte      IndexUnit = "byte"
)

// Candidate is one claimed assertion as returned by the model
type Candidate struct {
	TopicKey      string          `json:"topic"`
	Quote         string          `json:"quote"`
	StartOffset   int             `json:"start_offset"`
	EndOffset     int             `json:"end_offset"`
	ValueType     model.ValueType `json:"value_type"`
	Value         string          `json:"value"`
	Confidence    float64         `json:"confidence"`
	EffectiveFrom string          `json:"effective_from,omitempty"` // YYYY-MM-DD
	EffectiveTo   string          `json:"effective_to,omitempty"`
}

// ExtractResponse is the decoded, schema-valid model output
type ExtractResponse struct {
	IndexUnit  IndexUnit   `json:"index_unit"`
	Candidates []Candidate `json:"candidates"`
	Model      string      `json:"-"`
	TokensUsed int         `json:"-"`
}

// Config holds provider configuration
type Config struct {
	// Provider name: "openai", "anthropic", "ollama", ""
	Provider string

	// Model name (provider-specific)
	Model string

	// APIKey for OpenAI/Anthropic
	APIKey string

	// BaseURL for custom endpoints (e.g., Ollama)
	BaseURL string

	// Timeout for API requests
	Timeout time.Duration

	// MaxTokens for response generation
	MaxTokens int

	// Proxy settings
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

func (c Config) timeout(fallback time.Duration) time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return fallback
}

func (c Config) maxTokens(req ExtractRequest) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return 4000
}

// classify marks deadline and network timeouts so queue handlers retry them
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%s: %w: %v", provider, model.ErrExternalServiceTimeout, err)
	}
	return fmt.Errorf("%s API error: %w", provider, err)
}
