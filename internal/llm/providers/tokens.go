package providers

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of a text at ~4 characters per
// token, rounding up. Used where no tokenizer is available for the model.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}

// BPETokenCount counts tokens with the cl100k_base BPE encoding, which is
// accurate for OpenAI-family models and a close estimate elsewhere. Falls
// back to EstimateTokens if the encoding cannot be loaded.
func BPETokenCount(text string) int {
	if text == "" {
		return 0
	}
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return EstimateTokens(text)
	}
	return len(encoding.Encode(text, nil, nil))
}
