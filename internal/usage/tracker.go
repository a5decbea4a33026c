// Package usage tracks per-provider token consumption. Aggregates are kept
// in memory keyed by (provider, model, day) and appended to per-provider
// JSONL files so history survives restarts.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/relay-ai/relay/internal/ports"
	"github.com/relay-ai/relay/pkg/models"
)

const dayLayout = "2006-01-02"

type dayKey struct {
	Provider string
	Model    string
	Day      string
}

type aggregate struct {
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	LatencySum   time.Duration
	LatencyCount int64
}

// Stats summarizes usage for one provider or model.
type Stats struct {
	Provider     string        `json:"provider"`
	Model        string        `json:"model,omitempty"`
	Requests     int64         `json:"requests"`
	InputTokens  int64         `json:"input_tokens"`
	OutputTokens int64         `json:"output_tokens"`
	TotalTokens  int64         `json:"total_tokens"`
	AvgLatency   time.Duration `json:"avg_latency"`
	// PrimaryModel is the model with the most requests; ties break
	// lexicographically so the answer is stable.
	PrimaryModel string `json:"primary_model,omitempty"`
}

// Tracker records usage and answers stats queries. A disabled tracker is a
// no-op for every method, so call sites never branch on the flag.
type Tracker struct {
	store     ports.Storage
	logger    *slog.Logger
	enabled   bool
	dir       string
	retention time.Duration
	now       func() time.Time

	mu   sync.Mutex
	days map[dayKey]*aggregate
}

// Options configures a tracker.
type Options struct {
	Enabled   bool
	Dir       string
	Retention time.Duration
	Now       func() time.Time
}

// NewTracker builds a tracker over the storage port. Call Load before serving
// traffic to rebuild aggregates from persisted files.
func NewTracker(store ports.Storage, logger *slog.Logger, opts Options) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Retention <= 0 {
		opts.Retention = 30 * 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	dir := strings.Trim(opts.Dir, "/")
	if dir == "" {
		dir = "usage"
	}
	return &Tracker{
		store:     store,
		logger:    logger,
		enabled:   opts.Enabled,
		dir:       dir,
		retention: opts.Retention,
		now:       opts.Now,
		days:      map[dayKey]*aggregate{},
	}
}

func (t *Tracker) recordPath(provider, day string) string {
	return fmt.Sprintf("%s/%s/%s.jsonl", t.dir, provider, day)
}

// Record folds one usage record into the aggregates and appends it to the
// provider's daily JSONL file. Persistence failures are logged, not returned:
// usage accounting must never fail a turn.
func (t *Tracker) Record(ctx context.Context, rec models.UsageRecord) {
	if !t.enabled || rec.Provider == "" {
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = t.now()
	}
	rec.Timestamp = rec.Timestamp.UTC()
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.InputTokens + rec.OutputTokens
	}

	t.mu.Lock()
	t.foldLocked(rec)
	t.mu.Unlock()

	line, err := json.Marshal(rec)
	if err != nil {
		t.logger.Warn("usage record not serializable", "error", err)
		return
	}
	path := t.recordPath(rec.Provider, rec.Timestamp.Format(dayLayout))
	if err := t.store.AppendText(ctx, path, string(line)+"\n"); err != nil {
		t.logger.Warn("usage append failed", "path", path, "error", err)
	}
}

func (t *Tracker) foldLocked(rec models.UsageRecord) {
	key := dayKey{Provider: rec.Provider, Model: rec.Model, Day: rec.Timestamp.UTC().Format(dayLayout)}
	agg := t.days[key]
	if agg == nil {
		agg = &aggregate{}
		t.days[key] = agg
	}
	agg.Requests++
	agg.InputTokens += int64(rec.InputTokens)
	agg.OutputTokens += int64(rec.OutputTokens)
	agg.TotalTokens += int64(rec.TotalTokens)
	if rec.Latency > 0 {
		agg.LatencySum += rec.Latency
		agg.LatencyCount++
	}
}

// Load rebuilds in-memory aggregates from persisted files. Unparseable lines
// and files outside the retention window are skipped. Older deployments wrote
// whole JSON arrays or single objects per file; both still load.
func (t *Tracker) Load(ctx context.Context) error {
	if !t.enabled {
		return nil
	}
	paths, err := t.store.List(ctx, t.dir)
	if err != nil {
		return fmt.Errorf("list usage files: %w", err)
	}
	cutoff := t.now().Add(-t.retention)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, path := range paths {
		if !strings.HasSuffix(path, ".jsonl") && !strings.HasSuffix(path, ".json") {
			continue
		}
		data, err := t.store.GetText(ctx, path)
		if err != nil {
			t.logger.Warn("usage file unreadable", "path", path, "error", err)
			continue
		}
		for _, rec := range parseRecords(data) {
			if rec.Provider == "" || rec.Timestamp.Before(cutoff) {
				continue
			}
			rec.Timestamp = rec.Timestamp.UTC()
			if rec.TotalTokens == 0 {
				rec.TotalTokens = rec.InputTokens + rec.OutputTokens
			}
			t.foldLocked(rec)
		}
	}
	return nil
}

// parseRecords accepts NDJSON, a JSON array, or a single object.
func parseRecords(data string) []models.UsageRecord {
	trimmed := strings.TrimSpace(data)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var recs []models.UsageRecord
		if err := json.Unmarshal([]byte(trimmed), &recs); err == nil {
			return recs
		}
		return nil
	}
	var recs []models.UsageRecord
	for _, line := range strings.Split(trimmed, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var rec models.UsageRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs
}

// cutoffDay returns the first day a period covers. A non-positive period,
// or one past the retention window, covers the whole window.
func (t *Tracker) cutoffDay(period time.Duration) string {
	if period <= 0 || period > t.retention {
		period = t.retention
	}
	return t.now().Add(-period).UTC().Format(dayLayout)
}

// Stats aggregates one provider's usage over [now-period, now), at day
// granularity. A non-positive period covers the whole retention window.
// Average latency ignores records that carried no latency.
func (t *Tracker) Stats(provider string, period time.Duration) Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.cutoffDay(period)

	out := Stats{Provider: provider}
	var latSum time.Duration
	var latCount int64
	perModel := map[string]int64{}
	for key, agg := range t.days {
		if key.Provider != provider || key.Day < cutoff {
			continue
		}
		out.Requests += agg.Requests
		out.InputTokens += agg.InputTokens
		out.OutputTokens += agg.OutputTokens
		out.TotalTokens += agg.TotalTokens
		latSum += agg.LatencySum
		latCount += agg.LatencyCount
		perModel[key.Model] += agg.Requests
	}
	if latCount > 0 {
		out.AvgLatency = latSum / time.Duration(latCount)
	}
	out.PrimaryModel = primaryModel(perModel)
	return out
}

// StatsAll returns per-provider aggregates for the period, sorted by
// provider name.
func (t *Tracker) StatsAll(period time.Duration) []Stats {
	t.mu.Lock()
	providers := map[string]bool{}
	for key := range t.days {
		providers[key.Provider] = true
	}
	t.mu.Unlock()

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Stats, 0, len(names))
	for _, name := range names {
		out = append(out, t.Stats(name, period))
	}
	return out
}

// StatsByModel breaks one provider's usage down per model for the period.
func (t *Tracker) StatsByModel(provider string, period time.Duration) []Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.cutoffDay(period)

	type acc struct {
		st       Stats
		latSum   time.Duration
		latCount int64
	}
	perModel := map[string]*acc{}
	for key, agg := range t.days {
		if key.Provider != provider || key.Day < cutoff {
			continue
		}
		a := perModel[key.Model]
		if a == nil {
			a = &acc{st: Stats{Provider: provider, Model: key.Model}}
			perModel[key.Model] = a
		}
		a.st.Requests += agg.Requests
		a.st.InputTokens += agg.InputTokens
		a.st.OutputTokens += agg.OutputTokens
		a.st.TotalTokens += agg.TotalTokens
		a.latSum += agg.LatencySum
		a.latCount += agg.LatencyCount
	}

	out := make([]Stats, 0, len(perModel))
	for _, a := range perModel {
		if a.latCount > 0 {
			a.st.AvgLatency = a.latSum / time.Duration(a.latCount)
		}
		out = append(out, a.st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalTokens != out[j].TotalTokens {
			return out[i].TotalTokens > out[j].TotalTokens
		}
		return out[i].Model < out[j].Model
	})
	return out
}

func primaryModel(perModel map[string]int64) string {
	best := ""
	var bestRequests int64 = -1
	for model, requests := range perModel {
		if requests > bestRequests || (requests == bestRequests && model < best) {
			best = model
			bestRequests = requests
		}
	}
	return best
}

// Evict drops aggregates older than the retention window and deletes their
// backing files.
func (t *Tracker) Evict(ctx context.Context) {
	if !t.enabled {
		return
	}
	cutoff := t.now().Add(-t.retention).UTC().Format(dayLayout)

	t.mu.Lock()
	var stale []dayKey
	for key := range t.days {
		if key.Day < cutoff {
			stale = append(stale, key)
		}
	}
	for _, key := range stale {
		delete(t.days, key)
	}
	t.mu.Unlock()

	seen := map[string]bool{}
	for _, key := range stale {
		path := t.recordPath(key.Provider, key.Day)
		if seen[path] {
			continue
		}
		seen[path] = true
		if err := t.store.Delete(ctx, path); err != nil {
			t.logger.Debug("stale usage file not deleted", "path", path, "error", err)
		}
	}
	if len(stale) > 0 {
		t.logger.Info("evicted stale usage aggregates", "days", len(stale))
	}
}

// Run evicts stale aggregates hourly until the context is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	if !t.enabled {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Evict(ctx)
		}
	}
}
