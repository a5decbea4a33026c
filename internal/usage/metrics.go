package usage

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsDesc = prometheus.NewDesc(
		"relay_llm_requests_total",
		"LLM requests recorded, per provider and model.",
		[]string{"provider", "model"}, nil,
	)
	inputTokensDesc = prometheus.NewDesc(
		"relay_llm_input_tokens_total",
		"Input tokens consumed, per provider and model.",
		[]string{"provider", "model"}, nil,
	)
	outputTokensDesc = prometheus.NewDesc(
		"relay_llm_output_tokens_total",
		"Output tokens produced, per provider and model.",
		[]string{"provider", "model"}, nil,
	)
	totalTokensDesc = prometheus.NewDesc(
		"relay_llm_tokens_total",
		"Total tokens consumed, per provider and model.",
		[]string{"provider", "model"}, nil,
	)
	avgLatencyDesc = prometheus.NewDesc(
		"relay_llm_latency_avg_ms",
		"Average LLM call latency in milliseconds, per provider and model.",
		[]string{"provider", "model"}, nil,
	)
)

// Collector exposes tracker aggregates as Prometheus metrics. Values are
// computed at scrape time from the in-memory aggregates.
type Collector struct {
	tracker *Tracker
}

// NewCollector wraps a tracker for registration with a Prometheus registry.
func NewCollector(tracker *Tracker) *Collector {
	return &Collector{tracker: tracker}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- requestsDesc
	ch <- inputTokensDesc
	ch <- outputTokensDesc
	ch <- totalTokensDesc
	ch <- avgLatencyDesc
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.tracker.mu.Lock()
	type pm struct{ provider, model string }
	totals := map[pm]*aggregate{}
	for key, agg := range c.tracker.days {
		k := pm{provider: key.Provider, model: key.Model}
		sum := totals[k]
		if sum == nil {
			sum = &aggregate{}
			totals[k] = sum
		}
		sum.Requests += agg.Requests
		sum.InputTokens += agg.InputTokens
		sum.OutputTokens += agg.OutputTokens
		sum.TotalTokens += agg.TotalTokens
		sum.LatencySum += agg.LatencySum
		sum.LatencyCount += agg.LatencyCount
	}
	c.tracker.mu.Unlock()

	for k, sum := range totals {
		ch <- prometheus.MustNewConstMetric(requestsDesc, prometheus.CounterValue,
			float64(sum.Requests), k.provider, k.model)
		ch <- prometheus.MustNewConstMetric(inputTokensDesc, prometheus.CounterValue,
			float64(sum.InputTokens), k.provider, k.model)
		ch <- prometheus.MustNewConstMetric(outputTokensDesc, prometheus.CounterValue,
			float64(sum.OutputTokens), k.provider, k.model)
		ch <- prometheus.MustNewConstMetric(totalTokensDesc, prometheus.CounterValue,
			float64(sum.TotalTokens), k.provider, k.model)
		if sum.LatencyCount > 0 {
			avgMS := float64(sum.LatencySum.Milliseconds()) / float64(sum.LatencyCount)
			ch <- prometheus.MustNewConstMetric(avgLatencyDesc, prometheus.GaugeValue,
				avgMS, k.provider, k.model)
		}
	}
}
