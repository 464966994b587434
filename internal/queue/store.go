package queue

import (
	"context"
	"errors"
	"time"

	"priorityq/internal/models"
)

var (
	// ErrEmpty is returned by Claim when no item is available.
	ErrEmpty = errors.New("queue: no item available")

	// ErrInitialize wraps the provisioning error seen by every Initialize caller.
	ErrInitialize = errors.New("queue: initialization failed")

	// ErrInvalidNamespace is returned by New for an unusable database/collection pair.
	ErrInvalidNamespace = models.ErrInvalidNamespace
)

// ClaimRequest carries the inputs of one atomic claim.
type ClaimRequest struct {
	Now           time.Time
	Token         string
	ExcludeGroups []string
}

// Store is the shared backend holding item records.
//
// Every mutation must be a single atomic operation on one record. ClaimNext in
// particular must select the first available record in (priority, queued_at,
// insertion) order and mark it claimed in one indivisible step; a separate read
// followed by a write lets two consumers claim the same record.
type Store interface {
	// Provision creates the collection and its three indexes: started_at,
	// (priority, queued_at) and finished_at expiring after retention.
	// It must be safe to run against an already provisioned collection.
	Provision(ctx context.Context, ns models.Namespace, retention time.Duration) error

	// Insert stores a new available record. Backends assign item.ID when empty.
	Insert(ctx context.Context, ns models.Namespace, item models.Item) error

	// ClaimNext atomically claims the next available record, or returns ErrEmpty.
	ClaimNext(ctx context.Context, ns models.Namespace, req ClaimRequest) (models.Item, error)

	// MarkFinished sets finished_at on the record claimed with token.
	// It reports whether a record matched.
	MarkFinished(ctx context.Context, ns models.Namespace, id, token string, at time.Time) (bool, error)

	// Release clears started_at on the unfinished record claimed with token.
	// It reports whether a record matched.
	Release(ctx context.Context, ns models.Namespace, id, token string) (bool, error)

	Stats(ctx context.Context, ns models.Namespace) (models.Stats, error)
	Ping(ctx context.Context) error
}

// Observer receives queue events. Implementations must be safe for concurrent use.
type Observer interface {
	ObservePush(ns models.Namespace, err error)
	ObserveClaim(ns models.Namespace, claimed bool, err error)
	ObserveAck(ns models.Namespace, matched bool, err error)
	ObserveRetry(ns models.Namespace, matched bool, err error)
}

// NoopObserver is used when no observer is configured.
type NoopObserver struct{}

func (NoopObserver) ObservePush(models.Namespace, error)        {}
func (NoopObserver) ObserveClaim(models.Namespace, bool, error) {}
func (NoopObserver) ObserveAck(models.Namespace, bool, error)   {}
func (NoopObserver) ObserveRetry(models.Namespace, bool, error) {}
