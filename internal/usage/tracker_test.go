package usage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/relay-ai/relay/internal/storage"
	"github.com/relay-ai/relay/pkg/models"
)

func fixedNow() time.Time {
	return time.Date(2026, 8, 24, 15, 0, 0, 0, time.UTC)
}

func TestRecordAggregatesAndPersists(t *testing.T) {
	store := storage.NewMemoryStore()
	tr := NewTracker(store, nil, Options{Enabled: true, Now: fixedNow})
	ctx := context.Background()

	tr.Record(ctx, models.UsageRecord{Provider: "acme", Model: "fast", InputTokens: 100, OutputTokens: 20, Latency: 200 * time.Millisecond})
	tr.Record(ctx, models.UsageRecord{Provider: "acme", Model: "smart", InputTokens: 1000, OutputTokens: 500, Latency: 400 * time.Millisecond})
	tr.Record(ctx, models.UsageRecord{Provider: "acme", Model: "smart", InputTokens: 200, OutputTokens: 100})

	st := tr.Stats("acme", 0)
	if st.Requests != 3 || st.TotalTokens != 1920 {
		t.Fatalf("Stats = %+v, want 3 requests / 1920 tokens", st)
	}
	if st.PrimaryModel != "smart" {
		t.Fatalf("PrimaryModel = %q, want smart (most requests)", st.PrimaryModel)
	}
	// The third record carried no latency and must not dilute the average.
	if st.AvgLatency != 300*time.Millisecond {
		t.Fatalf("AvgLatency = %v, want 300ms", st.AvgLatency)
	}

	data, err := store.GetText(ctx, "usage/acme/2026-08-24.jsonl")
	if err != nil {
		t.Fatalf("daily file missing: %v", err)
	}
	if got := len(strings.Split(strings.TrimSpace(data), "\n")); got != 3 {
		t.Fatalf("daily file has %d lines, want 3", got)
	}
}

func TestLoadRebuildsFromMixedFormats(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()

	// NDJSON, a legacy array file, and garbage in between.
	store.PutText(ctx, "usage/acme/2026-08-23.jsonl",
		`{"provider":"acme","model":"fast","input_tokens":10,"output_tokens":5,"timestamp":"2026-08-23T10:00:00Z"}
not json
{"provider":"acme","model":"fast","input_tokens":20,"output_tokens":5,"timestamp":"2026-08-23T11:00:00Z"}`)
	store.PutText(ctx, "usage/other/2026-08-22.json",
		`[{"provider":"other","model":"m","input_tokens":7,"output_tokens":3,"timestamp":"2026-08-22T09:00:00Z"}]`)

	tr := NewTracker(store, nil, Options{Enabled: true, Now: fixedNow})
	if err := tr.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if st := tr.Stats("acme", 0); st.Requests != 2 || st.TotalTokens != 40 {
		t.Fatalf("acme stats = %+v", st)
	}
	if st := tr.Stats("other", 0); st.TotalTokens != 10 {
		t.Fatalf("other stats = %+v", st)
	}
	all := tr.StatsAll(0)
	if len(all) != 2 || all[0].Provider != "acme" {
		t.Fatalf("StatsAll = %+v", all)
	}
}

func TestStatsEqualAfterReload(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	tr := NewTracker(store, nil, Options{Enabled: true, Now: fixedNow})
	tr.Record(ctx, models.UsageRecord{Provider: "acme", Model: "fast", InputTokens: 100, OutputTokens: 50, Latency: 120 * time.Millisecond})
	tr.Record(ctx, models.UsageRecord{Provider: "acme", Model: "smart", InputTokens: 30, OutputTokens: 10, Latency: 80 * time.Millisecond})
	before := tr.Stats("acme", 30*24*time.Hour)

	fresh := NewTracker(store, nil, Options{Enabled: true, Now: fixedNow})
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if after := fresh.Stats("acme", 30*24*time.Hour); after != before {
		t.Fatalf("stats diverged after reload:\nbefore %+v\nafter  %+v", before, after)
	}
}

func TestStatsFiltersByPeriod(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	// Retention wide enough to keep both records in memory.
	tr := NewTracker(store, nil, Options{Enabled: true, Retention: 90 * 24 * time.Hour, Now: fixedNow})

	old := fixedNow().Add(-40 * 24 * time.Hour)
	tr.Record(ctx, models.UsageRecord{Provider: "acme", Model: "fast", InputTokens: 100, Timestamp: old})
	tr.Record(ctx, models.UsageRecord{Provider: "acme", Model: "fast", InputTokens: 9})

	if st := tr.Stats("acme", 30*24*time.Hour); st.Requests != 1 || st.TotalTokens != 9 {
		t.Fatalf("Stats(30d) = %+v, want only the recent record", st)
	}
	if st := tr.Stats("acme", 0); st.Requests != 2 {
		t.Fatalf("Stats(0) = %+v, want the whole retention window", st)
	}
	if all := tr.StatsAll(30 * 24 * time.Hour); len(all) != 1 || all[0].Requests != 1 {
		t.Fatalf("StatsAll(30d) = %+v", all)
	}
	if by := tr.StatsByModel("acme", 30*24*time.Hour); len(by) != 1 || by[0].Requests != 1 {
		t.Fatalf("StatsByModel(30d) = %+v", by)
	}
}

func TestEvictDropsExpiredDays(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	tr := NewTracker(store, nil, Options{Enabled: true, Retention: 30 * 24 * time.Hour, Now: fixedNow})

	old := fixedNow().Add(-40 * 24 * time.Hour)
	tr.Record(ctx, models.UsageRecord{Provider: "acme", Model: "fast", InputTokens: 5, Timestamp: old})
	tr.Record(ctx, models.UsageRecord{Provider: "acme", Model: "fast", InputTokens: 9})

	tr.Evict(ctx)

	if st := tr.Stats("acme", 0); st.Requests != 1 || st.TotalTokens != 9 {
		t.Fatalf("stats after evict = %+v, want only the recent record", st)
	}
	oldPath := "usage/acme/" + old.Format("2006-01-02") + ".jsonl"
	if ok, _ := store.Exists(ctx, oldPath); ok {
		t.Fatal("expired daily file not deleted")
	}
	if ok, _ := store.Exists(ctx, "usage/acme/2026-08-24.jsonl"); !ok {
		t.Fatal("current daily file deleted")
	}
}

func TestStatsByModelOrdersByTokens(t *testing.T) {
	tr := NewTracker(storage.NewMemoryStore(), nil, Options{Enabled: true, Now: fixedNow})
	ctx := context.Background()
	tr.Record(ctx, models.UsageRecord{Provider: "acme", Model: "small", InputTokens: 10})
	tr.Record(ctx, models.UsageRecord{Provider: "acme", Model: "big", InputTokens: 100})

	by := tr.StatsByModel("acme", 0)
	if len(by) != 2 || by[0].Model != "big" || by[1].Model != "small" {
		t.Fatalf("StatsByModel = %+v", by)
	}
}

func TestTrackerUsesConfiguredDir(t *testing.T) {
	store := storage.NewMemoryStore()
	ctx := context.Background()
	tr := NewTracker(store, nil, Options{Enabled: true, Dir: "metrics", Now: fixedNow})
	tr.Record(ctx, models.UsageRecord{Provider: "acme", Model: "fast", InputTokens: 5})

	if ok, _ := store.Exists(ctx, "metrics/acme/2026-08-24.jsonl"); !ok {
		t.Fatal("record not written under the configured dir")
	}
	fresh := NewTracker(store, nil, Options{Enabled: true, Dir: "metrics", Now: fixedNow})
	if err := fresh.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if st := fresh.Stats("acme", 0); st.Requests != 1 {
		t.Fatalf("reload from configured dir = %+v", st)
	}
}

func TestDisabledTrackerIsNoop(t *testing.T) {
	store := storage.NewMemoryStore()
	tr := NewTracker(store, nil, Options{Enabled: false, Now: fixedNow})
	ctx := context.Background()
	tr.Record(ctx, models.UsageRecord{Provider: "acme", Model: "fast", InputTokens: 5})
	if st := tr.Stats("acme", 0); st.Requests != 0 {
		t.Fatalf("disabled tracker recorded: %+v", st)
	}
	if files, _ := store.List(ctx, "usage/"); len(files) != 0 {
		t.Fatalf("disabled tracker wrote files: %v", files)
	}
}
