/*
store.go - Persistence interface for change requests, comments and versions

PURPOSE:
  Defines the boundary between the workflow and the database. Writes only
  happen inside Create or WithLock, so every mutation of a change request
  and its comments is atomic and serialized per id.

LOCKING CONTRACT:
  WithLock(ctx, id, fn):
  - acquires an exclusive lock scoped to the row identified by id
  - loads the current row inside the same transaction
  - calls fn(tx, current); fn writes through tx
  - commits if fn returns nil, rolls back otherwise
  - releases the lock on every exit path, panics included
  Locks on different ids never block each other.

GUARDED UPDATE:
  LockedTx.Update takes the state the caller loaded under the lock and
  only writes if the persisted row still has it (compare-and-swap).
  A mismatch returns ErrConcurrentModification.

IMPLEMENTATIONS:
  - changerequest/store/memory.go: In-memory for testing
  - store/sqlite/sqlite.go: SQLite (per-id lock + write transaction)
  - store/postgres/postgres.go: PostgreSQL (SELECT ... FOR UPDATE)
*/
package changerequest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// STORE
// =============================================================================

// LockedTx is the write handle available inside Create and WithLock.
type LockedTx interface {
	// Update persists cr if the stored state still equals expected.
	Update(ctx context.Context, cr *ChangeRequest, expected State) error

	// AddComment inserts c and assigns c.ID.
	AddComment(ctx context.Context, c *Comment) error

	// AddVersion appends an audit trail entry and assigns v.ID.
	AddVersion(ctx context.Context, v *Version) error
}

// Store handles persistence of change requests.
type Store interface {
	// Create inserts cr, assigns cr.ID and runs fn in the same transaction.
	// fn may be nil.
	Create(ctx context.Context, cr *ChangeRequest, fn func(tx LockedTx, created *ChangeRequest) error) (int64, error)

	// Find returns the change request or a NotFoundError.
	Find(ctx context.Context, id int64) (*ChangeRequest, error)

	// WithLock runs fn with the row for id exclusively locked.
	WithLock(ctx context.Context, id int64, fn func(tx LockedTx, current *ChangeRequest) error) error

	// List returns change requests newest-first by id.
	List(ctx context.Context, filter Filter) ([]ChangeRequest, error)

	// Comments returns the comments of a change request newest-first by id.
	Comments(ctx context.Context, changeRequestID int64, page Page) ([]Comment, error)

	// Versions returns audit trail entries newest-first by id.
	Versions(ctx context.Context, filter VersionFilter) ([]Version, error)
}

// =============================================================================
// AUDIT TRAIL - Who changed what, recorded with every write
// =============================================================================

const (
	ItemChangeRequest = "ChangeRequest"
	ItemComment       = "Comment"

	EventCreate = "create"
	EventUpdate = "update"
)

// Version records one change to one item. Entries written by the same
// operation share a TransactionID.
type Version struct {
	ID            int64
	TransactionID uuid.UUID
	ItemType      string
	ItemID        int64
	Event         string
	Whodunnit     string
	ObjectChanges map[string][]any
	CreatedAt     time.Time
}

type VersionFilter struct {
	ItemType string
	ItemID   int64
	Limit    int
	Offset   int
}

// =============================================================================
// ROW LOCKS - Per-id mutual exclusion for stores without row-level locks
// =============================================================================

// RowLocks hands out one mutex per id. Entries are dropped once no caller
// holds or waits for them.
type RowLocks struct {
	mu    sync.Mutex
	locks map[int64]*rowLock
}

type rowLock struct {
	mu      sync.Mutex
	waiters int
}

// Lock blocks until the lock for id is held and returns its release func.
func (l *RowLocks) Lock(id int64) (unlock func()) {
	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[int64]*rowLock)
	}
	rl, ok := l.locks[id]
	if !ok {
		rl = &rowLock{}
		l.locks[id] = rl
	}
	rl.waiters++
	l.mu.Unlock()

	rl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			rl.mu.Unlock()
			l.mu.Lock()
			rl.waiters--
			if rl.waiters == 0 {
				delete(l.locks, id)
			}
			l.mu.Unlock()
		})
	}
}
