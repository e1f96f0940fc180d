package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"league-rankings/models"
	"league-rankings/storage"

	"go.uber.org/zap/zaptest"
)

type testEnv struct {
	blobs     storage.BlobStore
	matches   *MatchStore
	publisher *Publisher
	generator *Generator
}

func newTestEnv(t *testing.T, blobs storage.BlobStore, policy MalformedPolicy, lockOpts LockOptions) *testEnv {
	t.Helper()
	log := zaptest.NewLogger(t)
	matches := NewMatchStore(blobs)
	pub := NewPublisher(blobs, blobs, 2, log)
	pub.retryDelay = time.Millisecond
	if lockOpts.BaseDelay == 0 {
		lockOpts.BaseDelay = 5 * time.Millisecond
	}
	lock := NewLock(blobs, lockOpts, log)
	gen := NewGenerator(matches, lock, NewRatingEngine(32, 1200, policy), pub, nil, log)
	return &testEnv{blobs: blobs, matches: matches, publisher: pub, generator: gen}
}

func (e *testEnv) rankings(t *testing.T) (*models.Rankings, []byte) {
	t.Helper()
	obj, err := e.publisher.Latest(context.Background())
	if err != nil {
		t.Fatalf("latest rankings: %v", err)
	}
	var r models.Rankings
	if err := json.Unmarshal(obj.Data, &r); err != nil {
		t.Fatalf("decode rankings: %v", err)
	}
	return &r, obj.Data
}

func (e *testEnv) put(t *testing.T, rec models.MatchRecord) {
	t.Helper()
	if _, err := e.matches.Put(context.Background(), rec); err != nil {
		t.Fatalf("put match: %v", err)
	}
}

func TestRegenerateEmptyStore(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), MalformedSkip, LockOptions{})
	ctx := context.Background()

	out := env.generator.Regenerate(ctx)
	if out.Status != StatusRegenerated {
		t.Fatalf("expected regenerated, got %+v", out)
	}
	r, _ := env.rankings(t)
	if len(r.Singles) != 0 || len(r.Doubles) != 0 || r.GeneratedAt.IsZero() {
		t.Fatalf("expected an empty, timestamped ranking: %+v", r)
	}
	marker, err := env.publisher.Marker(ctx)
	if err != nil || marker == nil {
		t.Fatalf("marker should exist: %v", err)
	}

	if out := env.generator.Regenerate(ctx); out.Status != StatusSkipped {
		t.Fatalf("second run on empty store: expected skipped, got %+v", out)
	}
}

func TestRegenerateIsIdempotent(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), MalformedSkip, LockOptions{})
	ctx := context.Background()
	env.put(t, singles("", "2024-03-01", "A", "B", models.GameScore{A: 11, B: 7}))

	if out := env.generator.Regenerate(ctx); out.Status != StatusRegenerated || out.Processed != 1 {
		t.Fatalf("first run: %+v", out)
	}
	r, first := env.rankings(t)
	if r.Singles["A"].Rating != 1216 || r.Singles["B"].Rating != 1184 {
		t.Fatalf("unexpected ratings: %+v", r.Singles)
	}

	out := env.generator.Regenerate(ctx)
	if out.Status != StatusSkipped {
		t.Fatalf("second run: expected skipped, got %+v", out)
	}
	if _, second := env.rankings(t); !bytes.Equal(first, second) {
		t.Fatalf("a skipped run must leave the published result untouched")
	}

	env.put(t, singles("", "2024-03-02", "B", "A", models.GameScore{A: 11, B: 9}))
	if out := env.generator.Regenerate(ctx); out.Status != StatusRegenerated || out.Processed != 2 {
		t.Fatalf("after a new match: %+v", out)
	}
}

func TestRegenerateConcurrent(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), MalformedSkip, LockOptions{Timeout: 5 * time.Second})
	env.put(t, singles("", "2024-03-01", "A", "B", models.GameScore{A: 11, B: 7}))
	env.put(t, doubles("", "2024-03-02", []string{"A", "B"}, []string{"C", "D"}, models.GameScore{A: 11, B: 5}))

	const n = 12
	outcomes := make([]Outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = env.generator.Regenerate(context.Background())
		}()
	}
	wg.Wait()

	counts := map[Status]int{}
	for _, out := range outcomes {
		counts[out.Status]++
	}
	if counts[StatusRegenerated] != 1 {
		t.Fatalf("expected exactly one regeneration, got %v", counts)
	}
	if counts[StatusFailed] != 0 {
		t.Fatalf("no invocation should fail: %v", counts)
	}
	if counts[StatusRegenerated]+counts[StatusSkipped]+counts[StatusBusy] != n {
		t.Fatalf("unexpected outcomes: %v", counts)
	}

	r, _ := env.rankings(t)
	if r.MatchCount != 2 || len(r.Singles) != 2 || len(r.Doubles) != 4 {
		t.Fatalf("published result is incomplete: %+v", r)
	}
}

func TestRegenerateBusy(t *testing.T) {
	blobs := storage.NewMemory()
	env := newTestEnv(t, blobs, MalformedSkip, LockOptions{Timeout: 50 * time.Millisecond})
	ctx := context.Background()

	other := NewLock(blobs, LockOptions{}, zaptest.NewLogger(t))
	if _, err := other.Acquire(ctx); err != nil {
		t.Fatalf("other holder: %v", err)
	}

	out := env.generator.Regenerate(ctx)
	if out.Status != StatusBusy {
		t.Fatalf("expected busy, got %+v", out)
	}
	if _, err := env.publisher.Latest(ctx); !errors.Is(err, ErrNoRankings) {
		t.Fatalf("busy run must not publish, got %v", err)
	}
}

func TestRegenerateRecoversAbandonedLock(t *testing.T) {
	blobs := storage.NewMemory()
	env := newTestEnv(t, blobs, MalformedSkip, LockOptions{})
	ctx := context.Background()

	abandoned, _ := json.Marshal(models.LockRecord{
		HolderToken: "dead",
		Holder:      "crashed:1",
		AcquiredAt:  time.Now().Add(-time.Hour),
		ExpiresAt:   time.Now().Add(-time.Minute),
	})
	if err := blobs.Put(ctx, LockKey, abandoned); err != nil {
		t.Fatal(err)
	}

	if out := env.generator.Regenerate(ctx); out.Status != StatusRegenerated {
		t.Fatalf("expected the abandoned lock to be reclaimed, got %+v", out)
	}
	if _, err := blobs.Get(ctx, LockKey); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("lock should be released afterwards, got %v", err)
	}
}

func TestRegenerateStoreFailure(t *testing.T) {
	blobs := &flakyStore{Memory: storage.NewMemory(), failList: errors.New("bucket unreachable")}
	env := newTestEnv(t, blobs, MalformedSkip, LockOptions{})

	out := env.generator.Regenerate(context.Background())
	if out.Status != StatusFailed || out.Reason == "" {
		t.Fatalf("expected failed with a reason, got %+v", out)
	}
}

func TestRegeneratePublishFailureKeepsMarkerStale(t *testing.T) {
	blobs := &flakyStore{Memory: storage.NewMemory(), failPut: errors.New("disk full")}
	env := newTestEnv(t, blobs, MalformedSkip, LockOptions{})
	ctx := context.Background()
	if _, err := env.matches.Put(ctx, singles("", "2024-03-01", "A", "B", models.GameScore{A: 11, B: 7})); err != nil {
		t.Fatal(err)
	}

	out := env.generator.Regenerate(ctx)
	if out.Status != StatusFailed {
		t.Fatalf("expected failed, got %+v", out)
	}
	if blobs.putCalls != 2 {
		t.Fatalf("expected the rankings write to be tried twice, got %d", blobs.putCalls)
	}
	if m, err := env.publisher.Marker(ctx); err != nil || m != nil {
		t.Fatalf("marker must not be written after a failed publish: %+v %v", m, err)
	}
	if _, err := blobs.Get(ctx, LockKey); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("lock must be released after a failure, got %v", err)
	}
}

func TestRegenerateLeaseOverrun(t *testing.T) {
	env := newTestEnv(t, storage.NewMemory(), MalformedSkip, LockOptions{Lease: time.Nanosecond})
	ctx := context.Background()
	env.put(t, singles("", "2024-03-01", "A", "B", models.GameScore{A: 11, B: 7}))

	out := env.generator.Regenerate(ctx)
	if out.Status != StatusFailed {
		t.Fatalf("expected an overrun lease to fail the run, got %+v", out)
	}
	if _, err := env.publisher.Latest(ctx); !errors.Is(err, ErrNoRankings) {
		t.Fatalf("nothing may be published without a valid lease, got %v", err)
	}
}

func TestRegenerateMalformedPolicies(t *testing.T) {
	seed := func(t *testing.T, env *testEnv) {
		env.put(t, singles("", "2024-03-01", "A", "B", models.GameScore{A: 11, B: 7}))
		if err := env.blobs.Put(context.Background(), "matches/singles/2024-03-02-broken.yml", []byte("players: [")); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("skip", func(t *testing.T) {
		env := newTestEnv(t, storage.NewMemory(), MalformedSkip, LockOptions{})
		seed(t, env)
		out := env.generator.Regenerate(context.Background())
		if out.Status != StatusRegenerated || out.Skipped != 1 || out.Processed != 1 {
			t.Fatalf("unexpected outcome: %+v", out)
		}
		r, _ := env.rankings(t)
		if len(r.Skipped) != 1 || r.Skipped[0].ID != "matches/singles/2024-03-02-broken.yml" {
			t.Fatalf("skipped record should be reported: %+v", r.Skipped)
		}
	})

	t.Run("fail", func(t *testing.T) {
		env := newTestEnv(t, storage.NewMemory(), MalformedFail, LockOptions{})
		seed(t, env)
		out := env.generator.Regenerate(context.Background())
		if out.Status != StatusFailed {
			t.Fatalf("expected failed, got %+v", out)
		}
		if _, err := env.publisher.Latest(context.Background()); !errors.Is(err, ErrNoRankings) {
			t.Fatalf("fail policy must not publish, got %v", err)
		}
	})
}

func TestOutcomeOK(t *testing.T) {
	for status, want := range map[Status]bool{
		StatusRegenerated: true,
		StatusSkipped:     true,
		StatusBusy:        false,
		StatusFailed:      false,
	} {
		if got := (Outcome{Status: status}).OK(); got != want {
			t.Fatalf("%s: expected %v", status, want)
		}
	}
}

// racingStore lets a test act between the gate re-check and the snapshot read.
type racingStore struct {
	*storage.Memory
	lists  int
	onList func(n int)
}

func (r *racingStore) List(ctx context.Context, prefix string) ([]storage.ObjectInfo, error) {
	r.lists++
	if r.onList != nil {
		r.onList(r.lists)
	}
	return r.Memory.List(ctx, prefix)
}

func TestRegenerateYieldsToNewerPublication(t *testing.T) {
	ctx := context.Background()
	blobs := &racingStore{Memory: storage.NewMemory()}
	env := newTestEnv(t, blobs, MalformedSkip, LockOptions{})
	env.put(t, singles("", "2024-03-01", "A", "B", models.GameScore{A: 11, B: 4}))

	newer := models.GenerationMarker{
		LastGeneratedAt:  time.Now().UTC(),
		SourceModifiedAt: time.Now().UTC().Add(time.Hour),
		MatchCount:       7,
	}
	// Lists 1 and 2 are the gate checks; 3 is the snapshot.
	blobs.onList = func(n int) {
		if n != 3 {
			return
		}
		data, err := json.Marshal(newer)
		if err != nil {
			t.Errorf("encode marker: %v", err)
			return
		}
		if err := blobs.Memory.Put(ctx, MarkerKey, data); err != nil {
			t.Errorf("put marker: %v", err)
		}
	}

	out := env.generator.Regenerate(ctx)
	if out.Status != StatusSkipped {
		t.Fatalf("expected skipped, got %+v", out)
	}
	if _, err := env.publisher.Latest(ctx); !errors.Is(err, ErrNoRankings) {
		t.Fatalf("an older snapshot must not be published, got %v", err)
	}
	m, err := env.publisher.Marker(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m.MatchCount != 7 {
		t.Fatalf("newer marker was overwritten: %+v", m)
	}
	if _, err := blobs.Get(ctx, LockKey); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("lock should be released, got %v", err)
	}
}
