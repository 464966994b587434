package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"priorityq/internal/queue"
)

// finishTimeout bounds the acknowledge or retry that follows a handler run.
const finishTimeout = 10 * time.Second

// Handler processes one claimed item. A nil return acknowledges the item;
// an error returns it to the queue.
type Handler func(ctx context.Context, h *queue.Handle) error

// Options tune the polling loop.
type Options struct {
	// PollInterval is the wait after an empty claim. It doubles on each
	// further empty claim up to MaxIdle.
	PollInterval time.Duration
	MaxIdle      time.Duration
	// ExcludeGroups is passed to every claim.
	ExcludeGroups []string
	// OnUpdate is called after every state change, e.g. to push stats to clients.
	OnUpdate func()
}

// Worker claims items from a queue and runs them through a handler
type Worker struct {
	id      int
	ctrl    *queue.Controller
	handler Handler
	opts    Options
	logger  *zap.Logger
}

// New creates a new worker
func New(id int, ctrl *queue.Controller, handler Handler, opts Options, logger *zap.Logger) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxIdle < opts.PollInterval {
		opts.MaxIdle = 30 * opts.PollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:      id,
		ctrl:    ctrl,
		handler: handler,
		opts:    opts,
		logger:  logger.With(zap.Int("worker", id)),
	}
}

// Start runs the worker until ctx is cancelled
func (w *Worker) Start(ctx context.Context) {
	w.logger.Info("worker started")

	wait := time.Duration(0)
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker shutting down")
			return
		case <-timer.C:
		}

		processed, err := w.ProcessNext(ctx)
		switch {
		case processed:
			wait = 0
		case err != nil:
			if ctx.Err() == nil {
				w.logger.Error("claim failed", zap.Error(err))
			}
			wait = w.opts.PollInterval
		default:
			wait = w.backoff(wait)
		}
		timer.Reset(wait)
	}
}

func (w *Worker) backoff(prev time.Duration) time.Duration {
	if prev <= 0 {
		return w.opts.PollInterval
	}
	next := prev * 2
	if next > w.opts.MaxIdle {
		next = w.opts.MaxIdle
	}
	return next
}

// ProcessNext claims one item and runs it. It reports whether an item was
// claimed; an empty queue is not an error.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	h, err := w.ctrl.Claim(ctx, queue.ClaimOptions{ExcludeGroups: w.opts.ExcludeGroups})
	if errors.Is(err, queue.ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	w.logger.Info("item started", zap.String("id", h.ID), zap.Int("priority", h.Priority))
	w.notify()

	start := time.Now()
	runErr := w.run(ctx, h)

	// A worker cancelled mid-run still finishes or releases its item.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	if runErr != nil {
		w.logger.Warn("item failed, returning to queue",
			zap.String("id", h.ID), zap.Duration("took", time.Since(start)), zap.Error(runErr))
		err = h.Retry(finishCtx)
	} else {
		w.logger.Info("item finished", zap.String("id", h.ID), zap.Duration("took", time.Since(start)))
		err = h.Acknowledge(finishCtx)
	}
	if err != nil {
		w.logger.Error("failed to update item", zap.String("id", h.ID), zap.Error(err))
	}

	w.notify()
	return true, nil
}

func (w *Worker) run(ctx context.Context, h *queue.Handle) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.handler(ctx, h)
}

func (w *Worker) notify() {
	if w.opts.OnUpdate != nil {
		w.opts.OnUpdate()
	}
}

// LogHandler acknowledges every item after logging its payload.
func LogHandler(logger *zap.Logger) Handler {
	return func(_ context.Context, h *queue.Handle) error {
		logger.Info("processing item",
			zap.String("id", h.ID),
			zap.String("group", h.Group),
			zap.String("payload", h.Payload))
		return nil
	}
}
