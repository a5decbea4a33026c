package usage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/relay-ai/relay/internal/storage"
	"github.com/relay-ai/relay/pkg/models"
)

func TestCollectorExportsAllSeries(t *testing.T) {
	tr := NewTracker(storage.NewMemoryStore(), nil, Options{Enabled: true, Now: fixedNow})
	ctx := context.Background()
	tr.Record(ctx, models.UsageRecord{Provider: "acme", Model: "fast", InputTokens: 100, OutputTokens: 50, Latency: 200 * time.Millisecond})
	tr.Record(ctx, models.UsageRecord{Provider: "acme", Model: "fast", InputTokens: 300, OutputTokens: 150, Latency: 400 * time.Millisecond})

	expected := `
# HELP relay_llm_requests_total LLM requests recorded, per provider and model.
# TYPE relay_llm_requests_total counter
relay_llm_requests_total{model="fast",provider="acme"} 2
# HELP relay_llm_input_tokens_total Input tokens consumed, per provider and model.
# TYPE relay_llm_input_tokens_total counter
relay_llm_input_tokens_total{model="fast",provider="acme"} 400
# HELP relay_llm_output_tokens_total Output tokens produced, per provider and model.
# TYPE relay_llm_output_tokens_total counter
relay_llm_output_tokens_total{model="fast",provider="acme"} 200
# HELP relay_llm_tokens_total Total tokens consumed, per provider and model.
# TYPE relay_llm_tokens_total counter
relay_llm_tokens_total{model="fast",provider="acme"} 600
# HELP relay_llm_latency_avg_ms Average LLM call latency in milliseconds, per provider and model.
# TYPE relay_llm_latency_avg_ms gauge
relay_llm_latency_avg_ms{model="fast",provider="acme"} 300
`
	err := testutil.CollectAndCompare(NewCollector(tr), strings.NewReader(expected),
		"relay_llm_requests_total",
		"relay_llm_input_tokens_total",
		"relay_llm_output_tokens_total",
		"relay_llm_tokens_total",
		"relay_llm_latency_avg_ms")
	if err != nil {
		t.Fatalf("metrics mismatch: %v", err)
	}
}
