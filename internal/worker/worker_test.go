package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"priorityq/internal/models"
	"priorityq/internal/queue"
	memstore "priorityq/internal/storage/memory"
	sqlitestore "priorityq/internal/storage/sqlite"
)

func newQueue(t *testing.T) *queue.Controller {
	t.Helper()
	c, err := queue.New(memstore.New(), models.Namespace{Database: "priorityq", Collection: "work"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestProcessNextAcknowledgesOnSuccess(t *testing.T) {
	ctx := context.Background()
	c := newQueue(t)
	if err := c.Push(ctx, "ok", 1); err != nil {
		t.Fatal(err)
	}

	var updates atomic.Int32
	var got string
	w := New(1, c, func(_ context.Context, h *queue.Handle) error {
		got = h.Payload
		return nil
	}, Options{OnUpdate: func() { updates.Add(1) }}, nil)

	processed, err := w.ProcessNext(ctx)
	if err != nil || !processed {
		t.Fatalf("processed=%v err=%v", processed, err)
	}
	if got != "ok" {
		t.Fatalf("handler saw %q", got)
	}
	if updates.Load() != 2 {
		t.Fatalf("OnUpdate called %d times, want 2", updates.Load())
	}
	st, _ := c.Stats(ctx)
	if st.Finished != 1 {
		t.Fatalf("stats = %+v", st)
	}

	processed, err = w.ProcessNext(ctx)
	if err != nil || processed {
		t.Fatalf("empty queue: processed=%v err=%v", processed, err)
	}
}

func TestProcessNextRetriesOnErrorAndPanic(t *testing.T) {
	ctx := context.Background()
	for name, handler := range map[string]Handler{
		"error": func(context.Context, *queue.Handle) error { return errors.New("boom") },
		"panic": func(context.Context, *queue.Handle) error { panic("boom") },
	} {
		c := newQueue(t)
		if err := c.Push(ctx, name, 1); err != nil {
			t.Fatal(err)
		}
		w := New(1, c, handler, Options{}, zap.NewNop())
		if processed, err := w.ProcessNext(ctx); err != nil || !processed {
			t.Fatalf("%s: processed=%v err=%v", name, processed, err)
		}
		st, _ := c.Stats(ctx)
		if st.Available != 1 || st.Finished != 0 {
			t.Fatalf("%s: item not returned to queue: %+v", name, st)
		}
	}
}

func TestStartDrainsQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := newQueue(t)
	const items = 20
	for i := 0; i < items; i++ {
		if err := c.Push(ctx, "job", i%3); err != nil {
			t.Fatal(err)
		}
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
	)
	handler := func(_ context.Context, h *queue.Handle) error {
		mu.Lock()
		seen[h.ID]++
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		w := New(i, c, handler, Options{PollInterval: 5 * time.Millisecond}, nil)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Start(ctx)
		}()
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		st, err := c.Stats(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if st.Finished == items {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue not drained: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != items {
		t.Fatalf("handled %d distinct items, want %d", len(seen), items)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("item %s handled %d times", id, n)
		}
	}
}

func TestBackoffIsCapped(t *testing.T) {
	w := New(1, nil, nil, Options{PollInterval: 10 * time.Millisecond, MaxIdle: 50 * time.Millisecond}, nil)
	var d time.Duration
	want := []time.Duration{10, 20, 40, 50, 50}
	for i, ms := range want {
		d = w.backoff(d)
		if d != ms*time.Millisecond {
			t.Fatalf("step %d: backoff = %s, want %s", i, d, ms*time.Millisecond)
		}
	}
}

func TestWorkerSkipsExcludedGroups(t *testing.T) {
	ctx := context.Background()
	c := newQueue(t)
	if err := c.Push(ctx, "blocked", 1, queue.WithGroup("billing")); err != nil {
		t.Fatal(err)
	}
	w := New(1, c, func(context.Context, *queue.Handle) error { return nil },
		Options{ExcludeGroups: []string{"billing"}}, nil)
	if processed, err := w.ProcessNext(ctx); err != nil || processed {
		t.Fatalf("excluded item processed=%v err=%v", processed, err)
	}
}

func newSQLiteQueue(t *testing.T) *queue.Controller {
	t.Helper()
	db, err := sqlitestore.Open(context.Background(), filepath.Join(t.TempDir(), "worker.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	c, err := queue.New(db, models.Namespace{Database: "priorityq", Collection: "work"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	return c
}

func TestOutcomeRecordedAfterCancel(t *testing.T) {
	cases := map[string]struct {
		result    error
		wantStats models.Stats
	}{
		"success": {nil, models.Stats{Finished: 1}},
		"failure": {errors.New("interrupted"), models.Stats{Available: 1}},
	}
	for name, tc := range cases {
		c := newSQLiteQueue(t)
		if err := c.Push(context.Background(), name, 1); err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		w := New(1, c, func(context.Context, *queue.Handle) error {
			cancel()
			return tc.result
		}, Options{}, nil)

		processed, err := w.ProcessNext(ctx)
		if err != nil || !processed {
			t.Fatalf("%s: processed=%v err=%v", name, processed, err)
		}
		st, err := c.Stats(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if st != tc.wantStats {
			t.Fatalf("%s: stats = %+v, want %+v", name, st, tc.wantStats)
		}
	}
}
