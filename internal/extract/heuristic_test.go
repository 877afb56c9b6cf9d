package extract

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/lexledger/internal/llm"
	"github.com/ppiankov/lexledger/internal/model"
)

func TestEffectiveFrom(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"The standard rate is 20% with effect from 4 January 2011.", "2011-01-04"},
		{"From 2024-01-01 the rate is 25%.", "2024-01-01"},
		{"Effective as of 1 april 2017 the threshold is £85,000.", "2017-04-01"},
		{"The standard rate is 20%.", ""},
		{"Published on 2024-01-01 for information.", ""},
	}
	for _, tt := range tests {
		if got := effectiveFrom(tt.text); got != tt.want {
			t.Errorf("effectiveFrom(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestHeuristicExtractor_Candidates(t *testing.T) {
	text := "Finance Act 2010. The standard rate of VAT is 20% with effect from 4 January 2011. Nothing else here."
	resp, err := NewHeuristicExtractor().Extract(context.Background(), llm.ExtractRequest{
		Text:   text,
		Topics: model.DefaultTopics(),
	})
	require.NoError(t, err)
	require.Len(t, resp.Candidates, 1)

	c := resp.Candidates[0]
	assert.Equal(t, "VAT_STANDARD_RATE", c.TopicKey)
	assert.Equal(t, "20%", c.Value)
	assert.Equal(t, "2011-01-04", c.EffectiveFrom)
	assert.Equal(t, c.Quote, text[c.StartOffset:c.EndOffset])
	assert.Equal(t, llm.UnitByte, resp.IndexUnit)
}
