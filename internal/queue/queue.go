// Package queue implements a priority work queue on top of a shared Store.
//
// Producers Push items; consumers Claim them. A claim atomically marks the
// highest-priority, earliest-queued available item as started, so concurrent
// consumers in any number of processes never receive the same item. The
// returned Handle is then either acknowledged (finished, expires after the
// retention window) or retried (returned to the pool keeping its original
// queue position).
//
// A Controller is safe for concurrent use. Initialize provisions the
// collection exactly once per Controller: the first caller does the work and
// every concurrent or later caller waits for it and observes its result.
// A failed provisioning is not re-run; create a new Controller to try again.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"priorityq/internal/models"
)

// DefaultRetention is how long finished items are kept before they expire.
const DefaultRetention = 24 * time.Hour

type Controller struct {
	store     Store
	ns        models.Namespace
	retention time.Duration
	logger    *zap.Logger
	observer  Observer
	now       func() time.Time
	newToken  func() string

	initStarted atomic.Bool
	initDone    chan struct{}
	initErr     error
}

// Option configures a Controller.
type Option func(*Controller)

// WithRetention overrides how long finished items are kept.
func WithRetention(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.retention = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Controller) {
		if o != nil {
			c.observer = o
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a controller for the collection ns in store.
func New(store Store, ns models.Namespace, opts ...Option) (*Controller, error) {
	if store == nil {
		return nil, fmt.Errorf("queue: nil store")
	}
	if err := ns.Validate(); err != nil {
		return nil, fmt.Errorf("queue: namespace %q: %w", ns.String(), err)
	}
	c := &Controller{
		store:     store,
		ns:        ns,
		retention: DefaultRetention,
		logger:    zap.NewNop(),
		observer:  NoopObserver{},
		now:       time.Now,
		newToken:  uuid.NewString,
		initDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("namespace", ns.String()))
	return c, nil
}

func (c *Controller) Namespace() models.Namespace { return c.ns }

func (c *Controller) Retention() time.Duration { return c.retention }

// Initialize provisions the collection and its indexes. Concurrent callers
// block until the single provisioning run completes; all of them, and any
// later caller, get its outcome. Waiting stops early if ctx is done.
func (c *Controller) Initialize(ctx context.Context) error {
	if c.initStarted.CompareAndSwap(false, true) {
		err := c.store.Provision(ctx, c.ns, c.retention)
		if err != nil {
			c.initErr = fmt.Errorf("%w: %w", ErrInitialize, err)
			c.logger.Error("provisioning failed", zap.Error(err))
		} else {
			c.logger.Info("collection provisioned", zap.Duration("retention", c.retention))
		}
		close(c.initDone)
		return c.initErr
	}

	select {
	case <-c.initDone:
		return c.initErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether Initialize has completed successfully.
func (c *Controller) Ready() bool {
	select {
	case <-c.initDone:
		return c.initErr == nil
	default:
		return false
	}
}

// PushOption configures a single Push.
type PushOption func(*models.Item)

// WithGroup tags the item with a consumer group used by claim-time exclusion.
func WithGroup(group string) PushOption {
	return func(it *models.Item) {
		it.Group = group
	}
}

// Push enqueues payload with the given priority. Lower values are claimed first.
func (c *Controller) Push(ctx context.Context, payload string, priority int, opts ...PushOption) error {
	item := models.Item{
		Priority: priority,
		QueuedAt: c.now().UTC(),
		Payload:  payload,
	}
	for _, opt := range opts {
		opt(&item)
	}

	err := c.store.Insert(ctx, c.ns, item)
	c.observer.ObservePush(c.ns, err)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	return nil
}

// ClaimOptions narrows which items a claim may select.
type ClaimOptions struct {
	// ExcludeGroups skips items whose group is listed. Items without a group
	// are never excluded.
	ExcludeGroups []string
}

// Claim atomically takes the next available item. It never waits for work:
// when nothing is available it returns ErrEmpty.
func (c *Controller) Claim(ctx context.Context, opts ClaimOptions) (*Handle, error) {
	req := ClaimRequest{
		Now:           c.now().UTC(),
		Token:         c.newToken(),
		ExcludeGroups: opts.ExcludeGroups,
	}

	item, err := c.store.ClaimNext(ctx, c.ns, req)
	switch {
	case err == nil:
	case errors.Is(err, ErrEmpty):
		c.observer.ObserveClaim(c.ns, false, nil)
		return nil, ErrEmpty
	default:
		c.observer.ObserveClaim(c.ns, false, err)
		return nil, fmt.Errorf("claim: %w", err)
	}
	c.observer.ObserveClaim(c.ns, true, nil)

	if item.ClaimToken == "" {
		item.ClaimToken = req.Token
	}
	if item.StartedAt == nil {
		started := req.Now
		item.StartedAt = &started
	}
	c.logger.Debug("item claimed", zap.String("id", item.ID), zap.Int("priority", item.Priority))
	return newHandle(c, item), nil
}

// Acknowledge marks the item claimed with token as finished. An item that no
// longer matches, because it expired or was retried and reclaimed, is left
// untouched and no error is returned.
func (c *Controller) Acknowledge(ctx context.Context, id, token string) error {
	matched, err := c.store.MarkFinished(ctx, c.ns, id, token, c.now().UTC())
	c.observer.ObserveAck(c.ns, matched, err)
	if err != nil {
		return fmt.Errorf("acknowledge %s: %w", id, err)
	}
	if !matched {
		c.logger.Debug("acknowledge matched no item", zap.String("id", id))
	}
	return nil
}

// Retry returns the item claimed with token to the pool. It keeps its
// original queued_at, so it is claimed ahead of later items of equal
// priority. A non-matching item is left untouched and no error is returned.
func (c *Controller) Retry(ctx context.Context, id, token string) error {
	matched, err := c.store.Release(ctx, c.ns, id, token)
	c.observer.ObserveRetry(c.ns, matched, err)
	if err != nil {
		return fmt.Errorf("retry %s: %w", id, err)
	}
	if !matched {
		c.logger.Debug("retry matched no item", zap.String("id", id))
	}
	return nil
}

func (c *Controller) Stats(ctx context.Context) (models.Stats, error) {
	st, err := c.store.Stats(ctx, c.ns)
	if err != nil {
		return models.Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

func (c *Controller) Ping(ctx context.Context) error {
	return c.store.Ping(ctx)
}
