package llm

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates token counts when the provider does not report usage.
type TokenCounter interface {
	Count(model, text string) int
}

// ApproxCounter estimates one token per four bytes.
type ApproxCounter struct{}

// Count implements TokenCounter.
func (ApproxCounter) Count(_ string, text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// TiktokenCounter counts with the model's BPE encoding and falls back to
// ApproxCounter for models tiktoken does not know.
type TiktokenCounter struct {
	encodings sync.Map // model -> *tiktoken.Tiktoken
}

// Count implements TokenCounter.
func (c *TiktokenCounter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	if cached, ok := c.encodings.Load(model); ok {
		return len(cached.(*tiktoken.Tiktoken).Encode(text, nil, nil))
	}
	tkm, err := tiktoken.EncodingForModel(model)
	if err != nil {
		return ApproxCounter{}.Count(model, text)
	}
	c.encodings.Store(model, tkm)
	return len(tkm.Encode(text, nil, nil))
}
