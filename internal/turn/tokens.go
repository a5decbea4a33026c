package turn

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/relay-ai/relay/pkg/models"
)

var (
	encoderOnce sync.Once
	encoder     *tiktoken.Tiktoken
)

// tokenEncoder returns the shared BPE encoder, nil when the encoding data is
// unavailable (offline first run); callers fall back to a bytes/4 estimate.
func tokenEncoder() *tiktoken.Tiktoken {
	encoderOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoder = enc
		}
	})
	return encoder
}

// EstimateTokens approximates the token count of text.
func EstimateTokens(text string) int {
	if enc := tokenEncoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return (len(text) + 3) / 4
}

// estimateHistoryTokens sums a token estimate over the message log plus a
// small per-message framing overhead.
func estimateHistoryTokens(system string, msgs []models.Message) int {
	total := EstimateTokens(system)
	for _, msg := range msgs {
		total += EstimateTokens(msg.Content) + 4
	}
	return total
}
