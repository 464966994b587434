package models

import (
	"errors"
	"strings"
	"time"
)

// Item represents one queued unit of work
type Item struct {
	ID         string     `json:"id"`
	Priority   int        `json:"priority"`
	QueuedAt   time.Time  `json:"queued_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Payload    string     `json:"payload"`
	Group      string     `json:"group,omitempty"`
	ClaimToken string     `json:"claim_token,omitempty"`
}

// Available reports whether the item can be claimed
func (i *Item) Available() bool {
	return i.StartedAt == nil
}

// Finished reports whether the item has been acknowledged
func (i *Item) Finished() bool {
	return i.FinishedAt != nil
}

// Stats holds per-collection item counts
type Stats struct {
	Available int64 `json:"available"`
	Claimed   int64 `json:"claimed"`
	Finished  int64 `json:"finished"`
}

// Total returns the number of records still stored
func (s Stats) Total() int64 {
	return s.Available + s.Claimed + s.Finished
}

// Namespace addresses one shared item collection
type Namespace struct {
	Database   string `json:"database"`
	Collection string `json:"collection"`
}

// ErrInvalidNamespace is returned for empty or malformed namespace names
var ErrInvalidNamespace = errors.New("invalid namespace")

// Validate checks that both parts are set and free of separator characters
func (n Namespace) Validate() error {
	if n.Database == "" || n.Collection == "" {
		return ErrInvalidNamespace
	}
	if strings.ContainsAny(n.Database, ".:{}\"\x00") || strings.ContainsAny(n.Collection, ":{}\"\x00") {
		return ErrInvalidNamespace
	}
	return nil
}

// String returns database.collection
func (n Namespace) String() string {
	return n.Database + "." + n.Collection
}

// Item states as reported by Stats and metrics
const (
	StateAvailable = "available"
	StateClaimed   = "claimed"
	StateFinished  = "finished"
)
