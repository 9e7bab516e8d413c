package scheduler

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bandit"
	"bandit/internal/optimizer/catalog"
	"bandit/internal/optimizer/persistence"
)

const twoVariantDatafile = `{
	"features": {
		"checkout": {
			"variations": [
				{"value": "blue", "weight": 50},
				{"value": "green", "weight": 50}
			]
		}
	}
}`

type env struct {
	client *redis.Client
	store  *persistence.RedisStore
	repo   *catalog.Repository
	sched  *Scheduler
}

func newEnv(t *testing.T, minExposures int64, datafileJSON string) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "d.json"), []byte(datafileJSON), 0o644); err != nil {
		t.Fatalf("write datafile: %v", err)
	}
	repo := catalog.NewRepository(dir, zerolog.Nop())
	if err := repo.Load(context.Background()); err != nil {
		t.Fatalf("load catalogue: %v", err)
	}

	store := persistence.NewRedisStore(client)
	sched := New(store, repo, bandit.NewWithOptions(bandit.Options{Seed: 42}), Config{
		Interval:     time.Hour,
		MinExposures: minExposures,
		LockTTL:      time.Minute,
	}, zerolog.Nop())
	return &env{client: client, store: store, repo: repo, sched: sched}
}

func (e *env) seed(t *testing.T, datafile, feature, variant string, exposures, conversions int64) {
	t.Helper()
	key := persistence.StatsKey(datafile, feature, variant)
	if err := e.client.HSet(context.Background(), key, "exposures", exposures, "conversions", conversions).Err(); err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

func TestRunCycle_ClearWinner(t *testing.T) {
	e := newEnv(t, 100, twoVariantDatafile)
	e.seed(t, "d.json", "checkout", "blue", 1000, 50)
	e.seed(t, "d.json", "checkout", "green", 1000, 200)

	summary, err := e.sched.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if summary.GroupsConsidered != 1 || summary.GroupsUpdated != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	blue, err := e.store.GetCounters(context.Background(), "d.json", "checkout", "blue")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	green, err := e.store.GetCounters(context.Background(), "d.json", "checkout", "green")
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	if !green.HasWeight || green.Weight <= 90 {
		t.Fatalf("green should dominate, got %+v", green)
	}
	if blue.Weight >= 10 {
		t.Fatalf("blue should collapse, got %+v", blue)
	}
	if sum := blue.Weight + green.Weight; math.Abs(sum-100) > 1e-4 {
		t.Fatalf("group sum broken: %v", sum)
	}

	// Counters untouched; last_updated stamped with the cycle time.
	if blue.Exposures != 1000 || blue.Conversions != 50 || green.Exposures != 1000 || green.Conversions != 200 {
		t.Fatalf("cycle must not touch counters: blue=%+v green=%+v", blue, green)
	}
	want := summary.StartedAt.Unix()
	if blue.LastUpdated != want || green.LastUpdated != want {
		t.Fatalf("last_updated mismatch: blue=%d green=%d want=%d", blue.LastUpdated, green.LastUpdated, want)
	}
}

func TestRunCycle_EligibilityGate(t *testing.T) {
	e := newEnv(t, 100, twoVariantDatafile)
	e.seed(t, "d.json", "checkout", "blue", 100, 10)
	e.seed(t, "d.json", "checkout", "green", 99, 30)

	summary, err := e.sched.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if summary.GroupsUpdated != 0 || len(summary.GroupsSkipped) != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if summary.GroupsSkipped[0].Reason != reasonInsufficient {
		t.Fatalf("unexpected skip reason: %q", summary.GroupsSkipped[0].Reason)
	}

	for _, variant := range []string{"blue", "green"} {
		c, err := e.store.GetCounters(context.Background(), "d.json", "checkout", variant)
		if err != nil {
			t.Fatalf("unexpected: %v", err)
		}
		if c.HasWeight {
			t.Fatalf("ineligible group must not be modified: %s=%+v", variant, c)
		}
	}
}

func TestRunCycle_OrphanGroupSkipped(t *testing.T) {
	e := newEnv(t, 1, twoVariantDatafile)
	e.seed(t, "retired.json", "old-feature", "x", 500, 100)
	e.seed(t, "retired.json", "old-feature", "y", 500, 100)

	summary, err := e.sched.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if summary.GroupsUpdated != 0 {
		t.Fatalf("orphan group must not be updated: %+v", summary)
	}
	if len(summary.GroupsSkipped) != 1 || summary.GroupsSkipped[0].Reason != reasonOrphan {
		t.Fatalf("expected one orphan skip: %+v", summary.GroupsSkipped)
	}
}

func TestRunCycle_SamplerFailureIsASkip(t *testing.T) {
	zeroWeights := strings.ReplaceAll(twoVariantDatafile, `"weight": 50`, `"weight": 0`)
	e := newEnv(t, 1, zeroWeights)
	e.seed(t, "d.json", "checkout", "blue", 500, 50)
	e.seed(t, "d.json", "checkout", "green", 500, 60)

	summary, err := e.sched.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("a sampler failure must not abort the cycle: %v", err)
	}
	if len(summary.GroupsSkipped) != 1 || !strings.HasPrefix(summary.GroupsSkipped[0].Reason, reasonSamplerFailed) {
		t.Fatalf("expected sampler skip: %+v", summary.GroupsSkipped)
	}
}

func TestRunCycle_LockHeldElsewhere(t *testing.T) {
	e := newEnv(t, 1, twoVariantDatafile)
	if err := e.client.Set(context.Background(), persistence.LockKey(lockName), "replica-2", time.Minute).Err(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if _, err := e.sched.RunCycle(context.Background()); !errors.Is(err, ErrLockHeld) {
		t.Fatalf("want ErrLockHeld, got %v", err)
	}
}

func TestRunCycle_BusyInProcess(t *testing.T) {
	e := newEnv(t, 1, twoVariantDatafile)
	e.sched.busy.Store(true)
	if _, err := e.sched.RunCycle(context.Background()); !errors.Is(err, ErrCycleBusy) {
		t.Fatalf("want ErrCycleBusy, got %v", err)
	}
}

func TestRunCycle_ReleasesLock(t *testing.T) {
	e := newEnv(t, 1, twoVariantDatafile)
	if _, err := e.sched.RunCycle(context.Background()); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	n, err := e.client.Exists(context.Background(), persistence.LockKey(lockName)).Result()
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if n != 0 {
		t.Fatal("lock must be released after the cycle")
	}
}

func TestRunCycle_AppendsHistory(t *testing.T) {
	e := newEnv(t, 1, twoVariantDatafile)
	e.seed(t, "d.json", "checkout", "blue", 500, 10)
	e.seed(t, "d.json", "checkout", "green", 500, 90)

	summary, err := e.sched.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	entries, err := e.store.History(context.Background(), "d.json", "checkout", 0)
	if err != nil {
		t.Fatalf("unexpected: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if entry.Timestamp != summary.StartedAt.Unix() {
			t.Fatalf("history timestamp mismatch: %+v", entry)
		}
	}
}

func TestStartStop(t *testing.T) {
	e := newEnv(t, 1, twoVariantDatafile)
	e.sched.Start()
	e.sched.Stop()
	e.sched.Stop() // idempotent
}
