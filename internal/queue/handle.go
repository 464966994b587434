package queue

import (
	"context"
	"time"

	"priorityq/internal/models"
)

// Handle is a claimed item. It carries the payload and the identity needed to
// finish or return the item; the lifecycle calls go through the controller
// that issued it.
type Handle struct {
	ID         string
	ClaimToken string
	Payload    string
	Priority   int
	Group      string
	QueuedAt   time.Time
	StartedAt  time.Time

	ctrl *Controller
}

func newHandle(c *Controller, item models.Item) *Handle {
	h := &Handle{
		ID:         item.ID,
		ClaimToken: item.ClaimToken,
		Payload:    item.Payload,
		Priority:   item.Priority,
		Group:      item.Group,
		QueuedAt:   item.QueuedAt,
		ctrl:       c,
	}
	if item.StartedAt != nil {
		h.StartedAt = *item.StartedAt
	}
	return h
}

// Acknowledge permanently completes the item.
func (h *Handle) Acknowledge(ctx context.Context) error {
	return h.ctrl.Acknowledge(ctx, h.ID, h.ClaimToken)
}

// Retry releases the item so any consumer can claim it again.
func (h *Handle) Retry(ctx context.Context) error {
	return h.ctrl.Retry(ctx, h.ID, h.ClaimToken)
}

// Item returns the handle as a claimed item record.
func (h *Handle) Item() models.Item {
	started := h.StartedAt
	return models.Item{
		ID:         h.ID,
		Priority:   h.Priority,
		QueuedAt:   h.QueuedAt,
		StartedAt:  &started,
		Payload:    h.Payload,
		Group:      h.Group,
		ClaimToken: h.ClaimToken,
	}
}
