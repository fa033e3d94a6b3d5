/*
Package sqlite provides a SQLite-backed implementation of changerequest.Store.

PURPOSE:
  Persists change requests, their comments, the audit trail (versions) and
  the operator directory (users). The PostgreSQL store in store/postgres
  follows the same schema with native types.

KEY TABLES:
  change_requests: One row per request, "type" holds the kind
  comments:        Polymorphic comments (commentable_type/commentable_id),
                   cascade-deleted with their change request
  versions:        Audit trail, one row per item change
  users:           Operators and their roles

LOCKING:
  SQLite has no row-level locks. WithLock combines:
  - a per-id in-process mutex (changerequest.RowLocks), so callers on the
    same id queue up and callers on other ids do not wait on each other
  - a write transaction (_txlock=immediate), so the read-check-write runs
    atomically against the database file
  The guarded UPDATE (... AND state = ?) catches writers outside this
  process.

USAGE:
  store, err := sqlite.New("./data/obelisk.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  wf := changerequest.NewWorkflow(store, changerequest.DefaultRegistry())

MIGRATION:
  Schema is auto-migrated on New(). NewWithDB() skips it.

SEE ALSO:
  - changerequest/store.go: Interface definitions
  - changerequest/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/warp/obelisk/changerequest"
)

// ErrDuplicateEmail is returned when saving a user whose email exists.
var ErrDuplicateEmail = errors.New("user email already exists")

// Store implements changerequest.Store using SQLite.
type Store struct {
	db    *sql.DB
	locks changerequest.RowLocks
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if dbPath != ":memory:" {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to ":memory:" is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := NewWithDB(db)
	if err := store.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// NewWithDB wraps an already open database without migrating it.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS change_requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		app_id INTEGER NOT NULL,
		requested_user_id INTEGER NOT NULL,
		processed_user_id INTEGER,
		type TEXT NOT NULL,
		state TEXT NOT NULL,
		properties TEXT,
		requested_at TEXT NOT NULL,
		cancelled_at TEXT,
		approved_at TEXT,
		rejected_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS index_change_requests_on_app_id
		ON change_requests(app_id);
	CREATE INDEX IF NOT EXISTS index_change_requests_on_processed_user_id
		ON change_requests(processed_user_id);
	CREATE INDEX IF NOT EXISTS index_change_requests_on_requested_user_id
		ON change_requests(requested_user_id);
	CREATE INDEX IF NOT EXISTS index_change_requests_on_state
		ON change_requests(state);
	CREATE INDEX IF NOT EXISTS index_change_requests_on_type
		ON change_requests(type);

	CREATE TABLE IF NOT EXISTS comments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		commentable_type TEXT NOT NULL DEFAULT 'ChangeRequest',
		commentable_id INTEGER NOT NULL
			REFERENCES change_requests(id) ON DELETE CASCADE,
		user_id INTEGER NOT NULL,
		content TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS index_comments_on_commentable
		ON comments(commentable_type, commentable_id);

	CREATE TABLE IF NOT EXISTS versions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id TEXT,
		item_type TEXT NOT NULL,
		item_id INTEGER NOT NULL,
		event TEXT NOT NULL,
		whodunnit TEXT,
		object_changes TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS index_versions_on_item
		ON versions(item_type, item_id);
	CREATE INDEX IF NOT EXISTS index_versions_on_transaction_id
		ON versions(transaction_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// CHANGE REQUEST STORE (changerequest.Store interface)
// =============================================================================

const changeRequestColumns = `id, app_id, requested_user_id, processed_user_id, type, state, properties,
	requested_at, approved_at, rejected_at, cancelled_at, created_at, updated_at`

// Create inserts cr and runs fn in the same transaction.
func (s *Store) Create(ctx context.Context, cr *changerequest.ChangeRequest, fn func(tx changerequest.LockedTx, created *changerequest.ChangeRequest) error) (int64, error) {
	propsJSON, err := json.Marshal(cr.Properties)
	if err != nil {
		return 0, fmt.Errorf("failed to encode properties: %w", err)
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	query := `
		INSERT INTO change_requests
		(app_id, requested_user_id, processed_user_id, type, state, properties,
		 requested_at, approved_at, rejected_at, cancelled_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := sqlTx.ExecContext(ctx, query,
		cr.AppID,
		cr.RequestedUserID,
		cr.ProcessedUserID,
		cr.Kind,
		cr.State,
		string(propsJSON),
		formatTime(cr.RequestedAt),
		nullTime(cr.ApprovedAt),
		nullTime(cr.RejectedAt),
		nullTime(cr.CancelledAt),
		formatTime(cr.CreatedAt),
		formatTime(cr.UpdatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert change request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read change request id: %w", err)
	}

	created := cr.Clone()
	created.ID = id
	if fn != nil {
		if err := fn(&txStore{tx: sqlTx, id: id}, created); err != nil {
			return 0, err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit change request: %w", err)
	}
	cr.ID = id
	return id, nil
}

// Find returns the change request with the given id.
func (s *Store) Find(ctx context.Context, id int64) (*changerequest.ChangeRequest, error) {
	return findChangeRequest(ctx, s.db, id)
}

// WithLock runs fn with the row for id locked for writing.
func (s *Store) WithLock(ctx context.Context, id int64, fn func(tx changerequest.LockedTx, current *changerequest.ChangeRequest) error) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	current, err := findChangeRequest(ctx, sqlTx, id)
	if err != nil {
		return err
	}

	if err := fn(&txStore{tx: sqlTx, id: id}, current); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func findChangeRequest(ctx context.Context, q querier, id int64) (*changerequest.ChangeRequest, error) {
	query := `SELECT ` + changeRequestColumns + ` FROM change_requests WHERE id = ?`

	cr, err := scanChangeRequest(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &changerequest.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load change request %d: %w", id, err)
	}
	return cr, nil
}

// List returns change requests newest-first.
func (s *Store) List(ctx context.Context, filter changerequest.Filter) ([]changerequest.ChangeRequest, error) {
	var (
		where []string
		args  []any
	)
	if filter.AppID != 0 {
		where = append(where, "app_id = ?")
		args = append(args, filter.AppID)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if filter.Kind != "" {
		where = append(where, "type = ?")
		args = append(args, filter.Kind)
	}
	if filter.ProcessedUserID != 0 {
		where = append(where, "processed_user_id = ?")
		args = append(args, filter.ProcessedUserID)
	}
	if filter.RequestedUserID != 0 {
		where = append(where, "requested_user_id = ?")
		args = append(args, filter.RequestedUserID)
	}

	query := `SELECT ` + changeRequestColumns + ` FROM change_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limitArg(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list change requests: %w", err)
	}
	defer rows.Close()

	var out []changerequest.ChangeRequest
	for rows.Next() {
		cr, err := scanChangeRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *cr)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChangeRequest(row scanner) (*changerequest.ChangeRequest, error) {
	var cr changerequest.ChangeRequest
	var processedUserID sql.NullInt64
	var properties sql.NullString
	var requestedAt, createdAt, updatedAt string
	var approvedAt, rejectedAt, cancelledAt sql.NullString
	if err := row.Scan(
		&cr.ID, &cr.AppID, &cr.RequestedUserID, &processedUserID, &cr.Kind, &cr.State, &properties,
		&requestedAt, &approvedAt, &rejectedAt, &cancelledAt, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	if processedUserID.Valid {
		v := processedUserID.Int64
		cr.ProcessedUserID = &v
	}
	if properties.Valid && properties.String != "" {
		if err := json.Unmarshal([]byte(properties.String), &cr.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode properties of change request %d: %w", cr.ID, err)
		}
	}
	cr.RequestedAt = parseTime(requestedAt)
	cr.ApprovedAt = parseNullTime(approvedAt)
	cr.RejectedAt = parseNullTime(rejectedAt)
	cr.CancelledAt = parseNullTime(cancelledAt)
	cr.CreatedAt = parseTime(createdAt)
	cr.UpdatedAt = parseTime(updatedAt)

	return &cr, nil
}

// =============================================================================
// LOCKED TX (changerequest.LockedTx interface)
// =============================================================================

type txStore struct {
	tx *sql.Tx
	id int64
}

func (ts *txStore) Update(ctx context.Context, cr *changerequest.ChangeRequest, expected changerequest.State) error {
	if cr.ID != ts.id {
		return fmt.Errorf("update of change request %d outside its lock (%d)", cr.ID, ts.id)
	}

	query := `
		UPDATE change_requests
		SET state = ?, processed_user_id = ?, approved_at = ?, rejected_at = ?,
		    cancelled_at = ?, updated_at = ?
		WHERE id = ? AND state = ?
	`
	res, err := ts.tx.ExecContext(ctx, query,
		cr.State,
		cr.ProcessedUserID,
		nullTime(cr.ApprovedAt),
		nullTime(cr.RejectedAt),
		nullTime(cr.CancelledAt),
		formatTime(cr.UpdatedAt),
		cr.ID,
		expected,
	)
	if err != nil {
		return fmt.Errorf("failed to update change request %d: %w", cr.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update change request %d: %w", cr.ID, err)
	}
	if n == 0 {
		return changerequest.ErrConcurrentModification
	}
	return nil
}

func (ts *txStore) AddComment(ctx context.Context, c *changerequest.Comment) error {
	query := `
		INSERT INTO comments (commentable_type, commentable_id, user_id, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	at := formatTime(c.CreatedAt)
	res, err := ts.tx.ExecContext(ctx, query,
		changerequest.ItemChangeRequest, c.ChangeRequestID, c.UserID, c.Content, at, at)
	if err != nil {
		return fmt.Errorf("failed to insert comment: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

func (ts *txStore) AddVersion(ctx context.Context, v *changerequest.Version) error {
	changesJSON, err := json.Marshal(v.ObjectChanges)
	if err != nil {
		return fmt.Errorf("failed to encode object changes: %w", err)
	}

	query := `
		INSERT INTO versions (transaction_id, item_type, item_id, event, whodunnit, object_changes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := ts.tx.ExecContext(ctx, query,
		v.TransactionID.String(), v.ItemType, v.ItemID, v.Event, nullString(v.Whodunnit),
		string(changesJSON), formatTime(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}
	v.ID, err = res.LastInsertId()
	return err
}

// =============================================================================
// COMMENTS & VERSIONS (read side)
// =============================================================================

// Comments returns the comments of a change request newest-first.
func (s *Store) Comments(ctx context.Context, changeRequestID int64, page changerequest.Page) ([]changerequest.Comment, error) {
	if _, err := s.Find(ctx, changeRequestID); err != nil {
		return nil, err
	}

	query := `
		SELECT id, commentable_id, user_id, content, created_at
		FROM comments
		WHERE commentable_type = ? AND commentable_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`
	rows, err := s.db.QueryContext(ctx, query,
		changerequest.ItemChangeRequest, changeRequestID, limitArg(page.Limit), page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var out []changerequest.Comment
	for rows.Next() {
		var c changerequest.Comment
		var createdAt string
		if err := rows.Scan(&c.ID, &c.ChangeRequestID, &c.UserID, &c.Content, &createdAt); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Versions returns audit trail entries newest-first.
func (s *Store) Versions(ctx context.Context, filter changerequest.VersionFilter) ([]changerequest.Version, error) {
	var (
		where []string
		args  []any
	)
	if filter.ItemType != "" {
		where = append(where, "item_type = ?")
		args = append(args, filter.ItemType)
	}
	if filter.ItemID != 0 {
		where = append(where, "item_id = ?")
		args = append(args, filter.ItemID)
	}

	query := `SELECT id, transaction_id, item_type, item_id, event, whodunnit, object_changes, created_at FROM versions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limitArg(filter.Limit), filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var out []changerequest.Version
	for rows.Next() {
		var v changerequest.Version
		var txID, whodunnit, changes sql.NullString
		var createdAt string
		if err := rows.Scan(&v.ID, &txID, &v.ItemType, &v.ItemID, &v.Event, &whodunnit, &changes, &createdAt); err != nil {
			return nil, err
		}
		if txID.Valid {
			parsed, err := uuid.Parse(txID.String)
			if err != nil {
				return nil, fmt.Errorf("failed to decode version %d transaction id: %w", v.ID, err)
			}
			v.TransactionID = parsed
		}
		v.Whodunnit = whodunnit.String
		if changes.Valid && changes.String != "" {
			if err := json.Unmarshal([]byte(changes.String), &v.ObjectChanges); err != nil {
				return nil, fmt.Errorf("failed to decode version %d: %w", v.ID, err)
			}
		}
		v.CreatedAt = parseTime(createdAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

// =============================================================================
// USER DIRECTORY
// =============================================================================

// SaveUser inserts u and assigns its id.
func (s *Store) SaveUser(ctx context.Context, u *changerequest.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO users (email, name, role, created_at) VALUES (?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query, u.Email, u.Name, u.Role, formatTime(u.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to save user: %w", err)
	}
	u.ID, err = res.LastInsertId()
	return err
}

// GetUser returns the user with the given id, or nil if none exists.
func (s *Store) GetUser(ctx context.Context, id int64) (*changerequest.User, error) {
	return s.getUser(ctx, `SELECT id, email, name, role, created_at FROM users WHERE id = ?`, id)
}

// GetUserByEmail returns the user with the given email, or nil if none exists.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*changerequest.User, error) {
	return s.getUser(ctx, `SELECT id, email, name, role, created_at FROM users WHERE email = ?`, email)
}

func (s *Store) getUser(ctx context.Context, query string, arg any) (*changerequest.User, error) {
	var u changerequest.User
	var createdAt string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.Name, &u.Role, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.CreatedAt = parseTime(createdAt)
	return &u, nil
}

// Helper functions

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// limitArg maps "no limit" to SQLite's -1.
func limitArg(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
