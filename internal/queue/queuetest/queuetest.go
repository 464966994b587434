// Package queuetest holds the behaviour every queue.Store backend must show
// when driven through a queue.Controller.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"priorityq/internal/models"
	"priorityq/internal/queue"
)

// Harness describes the backend under test.
type Harness struct {
	// NewStore returns a store ready for use. It is called once per subtest;
	// each subtest also uses its own collection.
	NewStore func(t *testing.T) queue.Store

	// Sweep runs one retention pass. Leave nil for stores that expire records
	// on their own (TTL keys or TTL indexes).
	Sweep func(ctx context.Context, s queue.Store) error

	// ExpiryTimeout bounds the wait for finished items to disappear.
	// Zero means 10s.
	ExpiryTimeout time.Duration

	// SkipExpiry disables the expiry subtest.
	SkipExpiry bool
}

// Run executes the whole suite.
func Run(t *testing.T, h Harness) {
	t.Run("PushAndClaim", func(t *testing.T) { testPushAndClaim(t, h) })
	t.Run("PriorityThenQueueOrder", func(t *testing.T) { testPriorityThenQueueOrder(t, h) })
	t.Run("RetryReturnsItem", func(t *testing.T) { testRetryReturnsItem(t, h) })
	t.Run("RetryKeepsQueuePosition", func(t *testing.T) { testRetryKeepsQueuePosition(t, h) })
	t.Run("AcknowledgeRemovesFromPool", func(t *testing.T) { testAcknowledgeRemovesFromPool(t, h) })
	t.Run("AcknowledgeTwice", func(t *testing.T) { testAcknowledgeTwice(t, h) })
	t.Run("StaleHandleIsIgnored", func(t *testing.T) { testStaleHandleIsIgnored(t, h) })
	t.Run("RetryAfterAcknowledgeIsIgnored", func(t *testing.T) { testRetryAfterAcknowledge(t, h) })
	t.Run("ExcludeGroups", func(t *testing.T) { testExcludeGroups(t, h) })
	t.Run("ConcurrentClaimsAreExclusive", func(t *testing.T) { testConcurrentClaims(t, h) })
	t.Run("ConcurrentInitialize", func(t *testing.T) { testConcurrentInitialize(t, h) })
	t.Run("Stats", func(t *testing.T) { testStats(t, h) })
	if !h.SkipExpiry {
		t.Run("FinishedItemsExpire", func(t *testing.T) { testFinishedItemsExpire(t, h) })
	}
}

// NewNamespace returns a collection name unique to this run.
func NewNamespace() models.Namespace {
	return models.Namespace{
		Database:   "priorityq_test",
		Collection: "c" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16],
	}
}

func newController(t *testing.T, s queue.Store, opts ...queue.Option) *queue.Controller {
	t.Helper()
	c, err := queue.New(s, NewNamespace(), opts...)
	if err != nil {
		t.Fatalf("new controller: %v", err)
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	return c
}

func push(t *testing.T, c *queue.Controller, payload string, priority int, opts ...queue.PushOption) {
	t.Helper()
	if err := c.Push(context.Background(), payload, priority, opts...); err != nil {
		t.Fatalf("push %s: %v", payload, err)
	}
}

func claim(t *testing.T, c *queue.Controller, opts queue.ClaimOptions) *queue.Handle {
	t.Helper()
	h, err := c.Claim(context.Background(), opts)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return h
}

func claimPayload(t *testing.T, c *queue.Controller, want string) *queue.Handle {
	t.Helper()
	h := claim(t, c, queue.ClaimOptions{})
	if h.Payload != want {
		t.Fatalf("claimed %q, want %q", h.Payload, want)
	}
	return h
}

func expectEmpty(t *testing.T, c *queue.Controller, opts queue.ClaimOptions) {
	t.Helper()
	h, err := c.Claim(context.Background(), opts)
	if !errors.Is(err, queue.ErrEmpty) {
		if h != nil {
			t.Fatalf("expected empty queue, claimed %q", h.Payload)
		}
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if h != nil {
		t.Fatalf("expected nil handle on empty claim")
	}
}

func stats(t *testing.T, c *queue.Controller) models.Stats {
	t.Helper()
	st, err := c.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	return st
}

func testPushAndClaim(t *testing.T, h Harness) {
	c := newController(t, h.NewStore(t))
	payload := uuid.NewString()
	push(t, c, payload, 1)

	got := claimPayload(t, c, payload)
	if got.ID == "" || got.ClaimToken == "" {
		t.Fatalf("handle missing identity: %+v", got)
	}
	if got.Priority != 1 {
		t.Fatalf("priority = %d", got.Priority)
	}
	if got.StartedAt.IsZero() || got.QueuedAt.IsZero() {
		t.Fatalf("handle missing timestamps: %+v", got)
	}
	expectEmpty(t, c, queue.ClaimOptions{})
}

func testPriorityThenQueueOrder(t *testing.T, h Harness) {
	c := newController(t, h.NewStore(t))
	push(t, c, "old-one", 1)
	push(t, c, "old-two", 2)
	push(t, c, "new-two", 2)
	push(t, c, "new-one", 1)

	for _, want := range []string{"old-one", "new-one", "old-two", "new-two"} {
		claimPayload(t, c, want)
	}
	expectEmpty(t, c, queue.ClaimOptions{})
}

func testRetryReturnsItem(t *testing.T, h Harness) {
	ctx := context.Background()
	c := newController(t, h.NewStore(t))
	payload := uuid.NewString()
	push(t, c, payload, 1)

	first := claimPayload(t, c, payload)
	expectEmpty(t, c, queue.ClaimOptions{})

	if err := first.Retry(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	second := claimPayload(t, c, payload)
	if second.ID != first.ID {
		t.Fatalf("retried item id changed: %s != %s", second.ID, first.ID)
	}
	if second.ClaimToken == first.ClaimToken {
		t.Fatalf("reclaim reused claim token")
	}
	expectEmpty(t, c, queue.ClaimOptions{})
}

func testRetryKeepsQueuePosition(t *testing.T, h Harness) {
	c := newController(t, h.NewStore(t))
	push(t, c, "first", 5)
	push(t, c, "second", 5)
	push(t, c, "urgent", 1)

	claimPayload(t, c, "urgent")
	first := claimPayload(t, c, "first")
	if err := first.Retry(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	push(t, c, "third", 5)

	claimPayload(t, c, "first")
	claimPayload(t, c, "second")
	claimPayload(t, c, "third")
	expectEmpty(t, c, queue.ClaimOptions{})
}

func testAcknowledgeRemovesFromPool(t *testing.T, h Harness) {
	c := newController(t, h.NewStore(t))
	payload := uuid.NewString()
	push(t, c, payload, 1)

	got := claimPayload(t, c, payload)
	if err := got.Acknowledge(context.Background()); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	expectEmpty(t, c, queue.ClaimOptions{})
}

func testAcknowledgeTwice(t *testing.T, h Harness) {
	ctx := context.Background()
	c := newController(t, h.NewStore(t))
	push(t, c, "twice", 1)

	got := claimPayload(t, c, "twice")
	if err := got.Acknowledge(ctx); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if err := got.Acknowledge(ctx); err != nil {
		t.Fatalf("second acknowledge: %v", err)
	}
	if st := stats(t, c); st.Finished != 1 || st.Claimed != 0 || st.Available != 0 {
		t.Fatalf("stats after double ack = %+v", st)
	}
}

func testStaleHandleIsIgnored(t *testing.T, h Harness) {
	ctx := context.Background()
	c := newController(t, h.NewStore(t))
	push(t, c, "contested", 1)

	stale := claimPayload(t, c, "contested")
	if err := stale.Retry(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
	current := claimPayload(t, c, "contested")

	if err := stale.Acknowledge(ctx); err != nil {
		t.Fatalf("stale acknowledge should be benign: %v", err)
	}
	if st := stats(t, c); st.Claimed != 1 || st.Finished != 0 {
		t.Fatalf("stale acknowledge changed state: %+v", st)
	}
	if err := stale.Retry(ctx); err != nil {
		t.Fatalf("stale retry should be benign: %v", err)
	}
	expectEmpty(t, c, queue.ClaimOptions{})

	if err := current.Acknowledge(ctx); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if st := stats(t, c); st.Finished != 1 {
		t.Fatalf("current acknowledge not applied: %+v", st)
	}
}

func testRetryAfterAcknowledge(t *testing.T, h Harness) {
	ctx := context.Background()
	c := newController(t, h.NewStore(t))
	push(t, c, "done", 1)

	got := claimPayload(t, c, "done")
	if err := got.Acknowledge(ctx); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if err := got.Retry(ctx); err != nil {
		t.Fatalf("retry after ack should be benign: %v", err)
	}
	expectEmpty(t, c, queue.ClaimOptions{})
}

func testExcludeGroups(t *testing.T, h Harness) {
	c := newController(t, h.NewStore(t))
	push(t, c, "billing", 1, queue.WithGroup("billing"))
	push(t, c, "plain", 2)
	push(t, c, "search", 3, queue.WithGroup("search"))

	got := claim(t, c, queue.ClaimOptions{ExcludeGroups: []string{"billing"}})
	if got.Payload != "plain" {
		t.Fatalf("claimed %q, want plain", got.Payload)
	}
	expectEmpty(t, c, queue.ClaimOptions{ExcludeGroups: []string{"billing", "search"}})

	got = claim(t, c, queue.ClaimOptions{ExcludeGroups: []string{"search"}})
	if got.Payload != "billing" || got.Group != "billing" {
		t.Fatalf("claimed %q (group %q), want billing", got.Payload, got.Group)
	}
	got = claim(t, c, queue.ClaimOptions{})
	if got.Payload != "search" {
		t.Fatalf("claimed %q, want search", got.Payload)
	}
	expectEmpty(t, c, queue.ClaimOptions{})
}

func testConcurrentClaims(t *testing.T, h Harness) {
	const (
		items     = 60
		consumers = 8
	)
	c := newController(t, h.NewStore(t))
	for i := 0; i < items; i++ {
		push(t, c, fmt.Sprintf("item-%02d", i), i%3)
	}

	var (
		mu      sync.Mutex
		seen    = make(map[string]int)
		wg      sync.WaitGroup
		errOnce sync.Once
		failure error
	)
	for w := 0; w < consumers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := c.Claim(context.Background(), queue.ClaimOptions{})
				if errors.Is(err, queue.ErrEmpty) {
					return
				}
				if err != nil {
					errOnce.Do(func() { failure = err })
					return
				}
				mu.Lock()
				seen[got.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if failure != nil {
		t.Fatalf("concurrent claim: %v", failure)
	}
	if len(seen) != items {
		t.Fatalf("claimed %d distinct items, want %d", len(seen), items)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("item %s claimed %d times", id, n)
		}
	}
}

func testConcurrentInitialize(t *testing.T, h Harness) {
	s := h.NewStore(t)
	ns := NewNamespace()
	ctrls := make([]*queue.Controller, 2)
	for i := range ctrls {
		c, err := queue.New(s, ns)
		if err != nil {
			t.Fatalf("new controller: %v", err)
		}
		ctrls[i] = c
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(c *queue.Controller) {
			defer wg.Done()
			errs <- c.Initialize(context.Background())
		}(ctrls[i%2])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("initialize: %v", err)
		}
	}
	for _, c := range ctrls {
		if !c.Ready() {
			t.Fatalf("controller not ready after initialize")
		}
	}
}

func testStats(t *testing.T, h Harness) {
	ctx := context.Background()
	c := newController(t, h.NewStore(t))
	for i := 0; i < 3; i++ {
		push(t, c, fmt.Sprintf("s-%d", i), 1)
	}
	done := claimPayload(t, c, "s-0")
	claimPayload(t, c, "s-1")
	if err := done.Acknowledge(ctx); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	st := stats(t, c)
	want := models.Stats{Available: 1, Claimed: 1, Finished: 1}
	if st != want {
		t.Fatalf("stats = %+v, want %+v", st, want)
	}
}

func testFinishedItemsExpire(t *testing.T, h Harness) {
	ctx := context.Background()
	s := h.NewStore(t)
	c := newController(t, s, queue.WithRetention(time.Second))
	push(t, c, "expiring", 1)
	push(t, c, "pending", 2)

	got := claimPayload(t, c, "expiring")
	if err := got.Acknowledge(ctx); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	timeout := h.ExpiryTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for {
		if h.Sweep != nil {
			if err := h.Sweep(ctx, s); err != nil {
				t.Fatalf("sweep: %v", err)
			}
		}
		st := stats(t, c)
		if st.Finished == 0 {
			if st.Available != 1 {
				t.Fatalf("expiry removed unfinished items: %+v", st)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("finished item still present after %s: %+v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}
