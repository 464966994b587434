package reaper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"priorityq/internal/models"
	"priorityq/internal/queue"
	memstore "priorityq/internal/storage/memory"
)

type countingExpirer struct {
	calls atomic.Int32
	err   error
}

func (c *countingExpirer) Expire(context.Context, time.Time) (int64, error) {
	c.calls.Add(1)
	return 0, c.err
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	exp := &countingExpirer{}
	r := New(exp, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for exp.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("reaper swept %d times", exp.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

func TestRunSurvivesErrors(t *testing.T) {
	exp := &countingExpirer{err: errors.New("database is locked")}
	r := New(exp, 5*time.Millisecond, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r.Run(ctx)
	if exp.calls.Load() < 2 {
		t.Fatalf("reaper stopped after an error (%d sweeps)", exp.calls.Load())
	}
}

func TestSweepExpiresMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	ns := models.Namespace{Database: "priorityq", Collection: "reaped"}
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	c, err := queue.New(store, ns, queue.WithRetention(time.Minute), queue.WithClock(func() time.Time { return base }))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Push(ctx, "done", 1); err != nil {
		t.Fatal(err)
	}
	h, err := c.Claim(ctx, queue.ClaimOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Acknowledge(ctx); err != nil {
		t.Fatal(err)
	}

	r := New(store, time.Hour, nil)
	r.now = func() time.Time { return base.Add(30 * time.Second) }
	if n, err := r.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep: n=%d err=%v", n, err)
	}
	r.now = func() time.Time { return base.Add(2 * time.Minute) }
	if n, err := r.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("late sweep: n=%d err=%v", n, err)
	}
}

func TestNewDefaults(t *testing.T) {
	r := New(&countingExpirer{}, 0, nil)
	if r.interval != DefaultInterval {
		t.Fatalf("interval = %s", r.interval)
	}
}
