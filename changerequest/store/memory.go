// Package store provides Store implementations.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/warp/obelisk/changerequest"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	rows     map[int64]*changerequest.ChangeRequest
	comments map[int64][]changerequest.Comment
	versions []changerequest.Version

	lastID        int64
	lastCommentID int64
	lastVersionID int64

	locks changerequest.RowLocks
}

func NewMemory() *Memory {
	return &Memory{
		rows:     make(map[int64]*changerequest.ChangeRequest),
		comments: make(map[int64][]changerequest.Comment),
	}
}

// Create stores cr once fn succeeds. Ids are consumed even on rollback,
// like a database sequence.
func (m *Memory) Create(ctx context.Context, cr *changerequest.ChangeRequest, fn func(tx changerequest.LockedTx, created *changerequest.ChangeRequest) error) (int64, error) {
	m.mu.Lock()
	m.lastID++
	id := m.lastID
	m.mu.Unlock()

	unlock := m.locks.Lock(id)
	defer unlock()

	staged := cr.Clone()
	staged.ID = id

	tx := &memTx{m: m, id: id, baseState: staged.State, row: staged}
	if fn != nil {
		if err := fn(tx, staged); err != nil {
			return 0, err
		}
	}

	m.commit(tx)
	cr.ID = id
	return id, nil
}

func (m *Memory) Find(_ context.Context, id int64) (*changerequest.ChangeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row, ok := m.rows[id]
	if !ok {
		return nil, &changerequest.NotFoundError{ID: id}
	}
	return row.Clone(), nil
}

// WithLock serializes callers per id. Writes made through tx are buffered
// and only applied when fn returns nil.
func (m *Memory) WithLock(ctx context.Context, id int64, fn func(tx changerequest.LockedTx, current *changerequest.ChangeRequest) error) error {
	unlock := m.locks.Lock(id)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	current, err := m.Find(ctx, id)
	if err != nil {
		return err
	}

	tx := &memTx{m: m, id: id, baseState: current.State}
	if err := fn(tx, current); err != nil {
		return err
	}

	m.commit(tx)
	return nil
}

func (m *Memory) commit(tx *memTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tx.row != nil {
		m.rows[tx.id] = tx.row
	}
	m.comments[tx.id] = append(m.comments[tx.id], tx.comments...)
	m.versions = append(m.versions, tx.versions...)
}

func (m *Memory) List(_ context.Context, filter changerequest.Filter) ([]changerequest.ChangeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []changerequest.ChangeRequest
	for _, row := range m.rows {
		if matches(row, filter) {
			out = append(out, *row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return window(out, filter.Offset, filter.Limit), nil
}

func matches(cr *changerequest.ChangeRequest, f changerequest.Filter) bool {
	if f.AppID != 0 && cr.AppID != f.AppID {
		return false
	}
	if f.State != "" && cr.State != f.State {
		return false
	}
	if f.Kind != "" && cr.Kind != f.Kind {
		return false
	}
	if f.RequestedUserID != 0 && cr.RequestedUserID != f.RequestedUserID {
		return false
	}
	if f.ProcessedUserID != 0 && (cr.ProcessedUserID == nil || *cr.ProcessedUserID != f.ProcessedUserID) {
		return false
	}
	return true
}

func (m *Memory) Comments(_ context.Context, changeRequestID int64, page changerequest.Page) ([]changerequest.Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.rows[changeRequestID]; !ok {
		return nil, &changerequest.NotFoundError{ID: changeRequestID}
	}

	src := m.comments[changeRequestID]
	out := make([]changerequest.Comment, len(src))
	copy(out, src)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return window(out, page.Offset, page.Limit), nil
}

func (m *Memory) Versions(_ context.Context, filter changerequest.VersionFilter) ([]changerequest.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []changerequest.Version
	for _, v := range m.versions {
		if filter.ItemType != "" && v.ItemType != filter.ItemType {
			continue
		}
		if filter.ItemID != 0 && v.ItemID != filter.ItemID {
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return window(out, filter.Offset, filter.Limit), nil
}

func window[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

// =============================================================================
// LOCKED TX - Buffered writes for one Create/WithLock call
// =============================================================================

type memTx struct {
	m         *Memory
	id        int64
	baseState changerequest.State

	row      *changerequest.ChangeRequest
	comments []changerequest.Comment
	versions []changerequest.Version
}

func (tx *memTx) Update(_ context.Context, cr *changerequest.ChangeRequest, expected changerequest.State) error {
	if cr.ID != tx.id {
		return fmt.Errorf("update of change request %d outside its lock (%d)", cr.ID, tx.id)
	}
	if tx.baseState != expected {
		return changerequest.ErrConcurrentModification
	}
	tx.row = cr.Clone()
	tx.baseState = cr.State
	return nil
}

func (tx *memTx) AddComment(_ context.Context, c *changerequest.Comment) error {
	if c.ChangeRequestID != tx.id {
		return fmt.Errorf("comment for change request %d outside its lock (%d)", c.ChangeRequestID, tx.id)
	}
	tx.m.mu.Lock()
	tx.m.lastCommentID++
	c.ID = tx.m.lastCommentID
	tx.m.mu.Unlock()

	tx.comments = append(tx.comments, *c)
	return nil
}

func (tx *memTx) AddVersion(_ context.Context, v *changerequest.Version) error {
	tx.m.mu.Lock()
	tx.m.lastVersionID++
	v.ID = tx.m.lastVersionID
	tx.m.mu.Unlock()

	tx.versions = append(tx.versions, *v)
	return nil
}
