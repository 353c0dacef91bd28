// Package outbox is the durable transaction queue between local writes and
// the remote backend. Writes are recorded as transactions, drained in FIFO
// order per entity by the leader's SyncLoop, retried with exponential
// backoff, and end completed, failed, or cancelled.
package outbox

import (
	"encoding/json"
	"time"
)

// Type is the kind of mutation a transaction carries.
type Type string

const (
	TypeCreate Type = "create"
	TypeUpdate Type = "update"
	TypeDelete Type = "delete"
	TypeMove   Type = "move"
)

// Valid reports whether t is a known transaction type.
func (t Type) Valid() bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeDelete, TypeMove:
		return true
	}
	return false
}

// Status is a transaction's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Transaction is one queued remote mutation.
type Transaction struct {
	ID               string          `json:"id"`
	Seq              int64           `json:"seq"`
	Type             Type            `json:"type"`
	Payload          json.RawMessage `json:"payload"`
	EntityIDs        []string        `json:"entity_ids"`
	Status           Status          `json:"status"`
	Retries          int             `json:"retries"`
	MaxRetries       int             `json:"max_retries"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	NextAttemptAt    time.Time       `json:"next_attempt_at,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	UserID           string          `json:"user_id,omitempty"`
	PageID           string          `json:"page_id,omitempty"`
	RollbackSnapshot []byte          `json:"rollback_snapshot,omitempty"`
}

// Clone returns a deep copy.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = append(json.RawMessage(nil), t.Payload...)
	c.EntityIDs = append([]string(nil), t.EntityIDs...)
	if t.RollbackSnapshot != nil {
		c.RollbackSnapshot = append([]byte(nil), t.RollbackSnapshot...)
	}
	return &c
}

// Touches reports whether the transaction references any of ids.
func (t *Transaction) Touches(ids map[string]bool) bool {
	for _, id := range t.EntityIDs {
		if ids[id] {
			return true
		}
	}
	return false
}

// Filter selects transactions for listing. Zero values match everything.
type Filter struct {
	Status Status
	PageID string
	Limit  int
}

// Stats summarises the queue.
type Stats struct {
	Total            int           `json:"total"`
	Pending          int           `json:"pending"`
	Processing       int           `json:"processing"`
	Completed        int           `json:"completed"`
	Failed           int           `json:"failed"`
	Cancelled        int           `json:"cancelled"`
	OldestPendingAge time.Duration `json:"oldest_pending_age"`
}

// SyncState is the persisted singleton describing sync progress. It is
// derived from the transactions table and never edited directly.
type SyncState struct {
	IsOnline       bool      `json:"is_online"`
	LastSync       time.Time `json:"last_sync"`
	PendingCount   int       `json:"pending_count"`
	FailedCount    int       `json:"failed_count"`
	SyncInProgress bool      `json:"sync_in_progress"`
}
