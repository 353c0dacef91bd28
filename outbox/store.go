package outbox

import (
	"context"
	"time"
)

// Store persists transactions, id mappings, and the sync state row.
type Store interface {
	// Insert stores tx and assigns its Seq.
	Insert(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	// Save overwrites the mutable columns of an existing transaction.
	Save(ctx context.Context, tx *Transaction) error
	List(ctx context.Context, f Filter) ([]*Transaction, error)
	// Active returns pending and processing transactions in drain order.
	Active(ctx context.Context) ([]*Transaction, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	OldestPending(ctx context.Context) (time.Time, bool, error)
	// DeleteCompletedBefore removes completed transactions last updated
	// before cutoff.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	// ResetProcessing returns processing transactions last updated before
	// cutoff to pending.
	ResetProcessing(ctx context.Context, cutoff time.Time) (int64, error)

	PutMapping(ctx context.Context, tempID, canonicalID string, at time.Time) error
	Mappings(ctx context.Context) (map[string]string, error)

	LoadState(ctx context.Context) (SyncState, error)
	// SaveState persists everything except SyncInProgress.
	SaveState(ctx context.Context, st SyncState) error
	// BeginSync sets sync_in_progress if it was clear and reports whether
	// this caller won.
	BeginSync(ctx context.Context) (bool, error)
	EndSync(ctx context.Context) error

	Close() error
}
