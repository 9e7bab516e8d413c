package persistence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client)
}

func TestParseStatsKey(t *testing.T) {
	cases := []struct {
		key                         string
		datafile, feature, variant  string
		ok                          bool
	}{
		{"stats:production/datafile-tag-all.json:checkout:blue", "production/datafile-tag-all.json", "checkout", "blue", true},
		{"stats:d.json:f:v", "d.json", "f", "v", true},
		{"stats:d.json:v", "", "", "", false},
		{"history:d.json:f", "", "", "", false},
		{"stats:::", "", "", "", false},
	}
	for _, c := range cases {
		df, feat, v, ok := ParseStatsKey(c.key)
		if ok != c.ok || df != c.datafile || feat != c.feature || v != c.variant {
			t.Fatalf("ParseStatsKey(%q) = (%q,%q,%q,%v), want (%q,%q,%q,%v)",
				c.key, df, feat, v, ok, c.datafile, c.feature, c.variant, c.ok)
		}
	}
}

func TestIncrementsCreateLazily(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.IncrExposure(ctx, "d.json", "f", "A"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if err := s.IncrConversion(ctx, "d.json", "f", "A"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	c, err := s.GetCounters(ctx, "d.json", "f", "A")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if c.Exposures != 1 || c.Conversions != 1 {
		t.Fatalf("got %+v, want exposures=1 conversions=1", c)
	}
	if c.HasWeight || c.LastUpdated != 0 {
		t.Fatalf("weight fields must be absent before the first recalculation: %+v", c)
	}
}

func TestConvertBeforeExposeIsTolerated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.IncrConversion(ctx, "d.json", "f", "A"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	c, err := s.GetCounters(ctx, "d.json", "f", "A")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if c.Exposures != 0 || c.Conversions != 1 {
		t.Fatalf("got %+v, want exposures=0 conversions=1 (never clamped)", c)
	}
}

func TestConcurrentIncrements(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 16
	const perWorker = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if err := s.IncrExposure(ctx, "d.json", "f", "A"); err != nil {
					t.Errorf("incr failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	c, err := s.GetCounters(ctx, "d.json", "f", "A")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if c.Exposures != workers*perWorker {
		t.Fatalf("lost increments: got %d want %d", c.Exposures, workers*perWorker)
	}
}

func TestSetWeightLeavesCountersAlone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.IncrExposure(ctx, "d.json", "f", "A"); err != nil {
			t.Fatalf("unexpected: %v", err)
		}
	}
	ts := time.Unix(1700000000, 0)
	if err := s.SetWeight(ctx, "d.json", "f", "A", 62.5, ts); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	c, err := s.GetCounters(ctx, "d.json", "f", "A")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if c.Exposures != 5 {
		t.Fatalf("SetWeight must never reset counts: %+v", c)
	}
	if !c.HasWeight || c.Weight != 62.5 {
		t.Fatalf("weight not written: %+v", c)
	}
	if c.LastUpdated != ts.Unix() {
		t.Fatalf("last_updated mismatch: got %d want %d", c.LastUpdated, ts.Unix())
	}
}

func TestScanKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	want := map[string]bool{
		StatsKey("a.json", "f1", "x"): true,
		StatsKey("a.json", "f1", "y"): true,
		StatsKey("b.json", "f2", "z"): true,
	}
	for key := range want {
		df, feat, v, _ := ParseStatsKey(key)
		if err := s.IncrExposure(ctx, df, feat, v); err != nil {
			t.Fatalf("unexpected: %v", err)
		}
	}
	// A non-stats key must not show up.
	if err := s.AppendHistory(ctx, "a.json", "f1", HistoryEntry{Variant: "x", Timestamp: 1}); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	keys, err := s.ScanKeys(ctx, StatsPrefix)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	seen := map[string]bool{}
	for _, k := range keys {
		seen[k] = true
	}
	for key := range want {
		if !seen[key] {
			t.Fatalf("scan missed %q (got %v)", key, keys)
		}
	}
	if len(seen) != len(want) {
		t.Fatalf("scan leaked extra keys: %v", keys)
	}
}

func TestLockSemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	token, ok, err := s.AcquireLock(ctx, "recalc", time.Minute)
	if err != nil || !ok || token == "" {
		t.Fatalf("first acquire should succeed: token=%q ok=%v err=%v", token, ok, err)
	}
	if _, ok, err := s.AcquireLock(ctx, "recalc", time.Minute); err != nil || ok {
		t.Fatalf("second acquire should be refused: ok=%v err=%v", ok, err)
	}

	// A stale owner must not release the current holder.
	if err := s.ReleaseLock(ctx, "recalc", "not-the-token"); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if _, ok, _ := s.AcquireLock(ctx, "recalc", time.Minute); ok {
		t.Fatal("lock was released by a non-owner")
	}

	if err := s.ReleaseLock(ctx, "recalc", token); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if _, ok, _ := s.AcquireLock(ctx, "recalc", time.Minute); !ok {
		t.Fatal("lock not reacquirable after owner release")
	}
}

func TestHistoryAppendReadAndTrim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	total := historyMaxEntries + 5
	for i := 0; i < total; i++ {
		e := HistoryEntry{Variant: "A", Weight: float64(i), ProbBest: 0.5, Timestamp: int64(i)}
		if err := s.AppendHistory(ctx, "d.json", "f", e); err != nil {
			t.Fatalf("unexpected: %v", err)
		}
	}

	entries, err := s.History(ctx, "d.json", "f", 10)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("got %d entries, want 10", len(entries))
	}
	if entries[0].Timestamp != int64(total-1) {
		t.Fatalf("history not newest-first: %+v", entries[0])
	}

	all, err := s.History(ctx, "d.json", "f", 0)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(all) != historyMaxEntries {
		t.Fatalf("history not trimmed: got %d want %d", len(all), historyMaxEntries)
	}
}
