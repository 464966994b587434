package queue_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"priorityq/internal/models"
	"priorityq/internal/queue"
	memstore "priorityq/internal/storage/memory"
)

var testNS = models.Namespace{Database: "priorityq", Collection: "items"}

// provisionStore lets tests count, delay or fail provisioning.
type provisionStore struct {
	*memstore.Store
	calls   atomic.Int32
	release chan struct{}
	err     error
}

func (s *provisionStore) Provision(ctx context.Context, ns models.Namespace, retention time.Duration) error {
	s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return s.err
	}
	return s.Store.Provision(ctx, ns, retention)
}

type recordingObserver struct {
	mu                     sync.Mutex
	pushes, claims, empty  int
	acks, ackMiss, retries int
	retryMiss              int
}

func (o *recordingObserver) ObservePush(models.Namespace, error) {
	o.mu.Lock()
	o.pushes++
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveClaim(_ models.Namespace, claimed bool, _ error) {
	o.mu.Lock()
	if claimed {
		o.claims++
	} else {
		o.empty++
	}
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveAck(_ models.Namespace, matched bool, _ error) {
	o.mu.Lock()
	if matched {
		o.acks++
	} else {
		o.ackMiss++
	}
	o.mu.Unlock()
}

func (o *recordingObserver) ObserveRetry(_ models.Namespace, matched bool, _ error) {
	o.mu.Lock()
	if matched {
		o.retries++
	} else {
		o.retryMiss++
	}
	o.mu.Unlock()
}

func TestNewRejectsBadNamespace(t *testing.T) {
	cases := []models.Namespace{
		{Database: "", Collection: "items"},
		{Database: "db", Collection: ""},
		{Database: "a.b", Collection: "items"},
	}
	for _, ns := range cases {
		if _, err := queue.New(memstore.New(), ns); !errors.Is(err, queue.ErrInvalidNamespace) {
			t.Fatalf("namespace %+v: expected ErrInvalidNamespace, got %v", ns, err)
		}
	}
	if _, err := queue.New(nil, testNS); err == nil {
		t.Fatalf("expected error for nil store")
	}
}

func TestInitializeRunsOnce(t *testing.T) {
	s := &provisionStore{Store: memstore.New(), release: make(chan struct{})}
	c, err := queue.New(s, testNS)
	if err != nil {
		t.Fatal(err)
	}

	const callers = 10
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { errs <- c.Initialize(context.Background()) }()
	}

	// Nobody may return while provisioning is blocked.
	select {
	case err := <-errs:
		t.Fatalf("initialize returned before provisioning finished: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if c.Ready() {
		t.Fatalf("ready before provisioning finished")
	}

	close(s.release)
	for i := 0; i < callers; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("initialize: %v", err)
		}
	}
	if n := s.calls.Load(); n != 1 {
		t.Fatalf("provision ran %d times, want 1", n)
	}
	if !c.Ready() {
		t.Fatalf("not ready after initialize")
	}
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("later initialize: %v", err)
	}
	if n := s.calls.Load(); n != 1 {
		t.Fatalf("later initialize re-ran provisioning")
	}
}

func TestInitializeFailureIsShared(t *testing.T) {
	boom := errors.New("index build failed")
	s := &provisionStore{Store: memstore.New(), release: make(chan struct{}), err: boom}
	c, err := queue.New(s, testNS)
	if err != nil {
		t.Fatal(err)
	}

	const callers = 5
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() { errs <- c.Initialize(context.Background()) }()
	}
	close(s.release)
	for i := 0; i < callers; i++ {
		err := <-errs
		if !errors.Is(err, queue.ErrInitialize) || !errors.Is(err, boom) {
			t.Fatalf("waiter got %v, want wrapped provisioning error", err)
		}
	}

	err = c.Initialize(context.Background())
	if !errors.Is(err, queue.ErrInitialize) {
		t.Fatalf("later caller got %v", err)
	}
	if n := s.calls.Load(); n != 1 {
		t.Fatalf("failed provisioning re-ran %d times", n)
	}
	if c.Ready() {
		t.Fatalf("ready after failed provisioning")
	}
}

func TestInitializeWaiterHonoursContext(t *testing.T) {
	s := &provisionStore{Store: memstore.New(), release: make(chan struct{})}
	c, err := queue.New(s, testNS)
	if err != nil {
		t.Fatal(err)
	}
	first := make(chan error, 1)
	go func() { first <- c.Initialize(context.Background()) }()

	for s.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Initialize(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("waiter got %v, want deadline exceeded", err)
	}

	close(s.release)
	if err := <-first; err != nil {
		t.Fatalf("first initialize: %v", err)
	}
}

func TestClaimOrderAndTokens(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	clock := func() time.Time { return base.Add(time.Duration(tick.Add(1)) * time.Second) }

	c, err := queue.New(memstore.New(), testNS, queue.WithClock(clock))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	for _, p := range []struct {
		payload  string
		priority int
	}{{"low", 9}, {"high-a", 1}, {"high-b", 1}} {
		if err := c.Push(ctx, p.payload, p.priority); err != nil {
			t.Fatal(err)
		}
	}

	h, err := c.Claim(ctx, queue.ClaimOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if h.Payload != "high-a" {
		t.Fatalf("claimed %q, want high-a", h.Payload)
	}
	if !h.QueuedAt.Equal(base.Add(2 * time.Second)) {
		t.Fatalf("queued_at = %s", h.QueuedAt)
	}
	if !h.StartedAt.Equal(base.Add(4 * time.Second)) {
		t.Fatalf("started_at = %s", h.StartedAt)
	}
	if h.ClaimToken == "" {
		t.Fatalf("missing claim token")
	}
	item := h.Item()
	if item.ID != h.ID || item.StartedAt == nil || !item.StartedAt.Equal(h.StartedAt) {
		t.Fatalf("Item() = %+v", item)
	}
}

func TestAcknowledgeWithWrongTokenIsBenign(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	obs := &recordingObserver{}
	c, err := queue.New(store, testNS, queue.WithObserver(obs))
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Push(ctx, "job", 1); err != nil {
		t.Fatal(err)
	}
	h, err := c.Claim(ctx, queue.ClaimOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if err := c.Acknowledge(ctx, h.ID, "not-the-token"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}
	if err := c.Retry(ctx, h.ID, "not-the-token"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	it, ok := store.Get(testNS, h.ID)
	if !ok || it.FinishedAt != nil || it.StartedAt == nil {
		t.Fatalf("record changed by wrong token: %+v", it)
	}

	if err := h.Acknowledge(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Claim(ctx, queue.ClaimOptions{}); !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.pushes != 1 || obs.claims != 1 || obs.empty != 1 {
		t.Fatalf("observer push/claim counts = %d/%d/%d", obs.pushes, obs.claims, obs.empty)
	}
	if obs.acks != 1 || obs.ackMiss != 1 || obs.retryMiss != 1 {
		t.Fatalf("observer ack/retry counts = %d/%d/%d", obs.acks, obs.ackMiss, obs.retryMiss)
	}
}

type failingStore struct {
	*memstore.Store
	err error
}

func (s failingStore) Insert(context.Context, models.Namespace, models.Item) error { return s.err }

func (s failingStore) ClaimNext(context.Context, models.Namespace, queue.ClaimRequest) (models.Item, error) {
	return models.Item{}, s.err
}

func TestStoreErrorsAreWrapped(t *testing.T) {
	boom := errors.New("connection reset")
	c, err := queue.New(failingStore{Store: memstore.New(), err: boom}, testNS)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Push(context.Background(), "x", 1); !errors.Is(err, boom) {
		t.Fatalf("push error = %v", err)
	}
	_, err = c.Claim(context.Background(), queue.ClaimOptions{})
	if !errors.Is(err, boom) || errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("claim error = %v", err)
	}
}

func TestRetentionOption(t *testing.T) {
	c, err := queue.New(memstore.New(), testNS, queue.WithRetention(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if c.Retention() != time.Minute {
		t.Fatalf("retention = %s", c.Retention())
	}
	c, _ = queue.New(memstore.New(), testNS, queue.WithRetention(0))
	if c.Retention() != queue.DefaultRetention {
		t.Fatalf("zero retention should keep default, got %s", c.Retention())
	}
}
