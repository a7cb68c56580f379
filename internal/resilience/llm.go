package resilience

import (
	"context"

	"github.com/MrWong99/insightflow/pkg/provider/llm"
)

var _ llm.Provider = (*LLMChain)(nil)

// LLMChain is an [llm.Provider] that fails over across several models.
type LLMChain struct {
	chain *Chain[llm.Provider]
}

// NewLLMChain returns an LLMChain preferring primary.
func NewLLMChain(primaryName string, primary llm.Provider, cfg BreakerConfig) *LLMChain {
	return &LLMChain{chain: NewChain(primaryName, primary, cfg)}
}

// AddFallback appends a fallback model.
func (c *LLMChain) AddFallback(name string, p llm.Provider) {
	c.chain.Add(name, p)
}

// Complete sends req to the first healthy model.
func (c *LLMChain) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return Do(ctx, c.chain, func(ctx context.Context, p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// Capabilities reports the primary's limits. The analyzer sizes its prompt
// against these, so fallbacks should offer at least the same context window.
func (c *LLMChain) Capabilities() llm.ModelCapabilities {
	return c.chain.Primary().Capabilities()
}
