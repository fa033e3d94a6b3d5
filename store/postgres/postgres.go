/*
Package postgres provides a PostgreSQL-backed implementation of
changerequest.Store using pgx.

PURPOSE:
  Same tables as store/sqlite, with native types (BIGSERIAL, TIMESTAMPTZ,
  JSONB, UUID). Intended for multi-instance deployments where the in-process
  lock of the SQLite store is not enough.

LOCKING:
  WithLock opens a transaction and loads the row with SELECT ... FOR UPDATE.
  A second caller on the same id blocks in the database until the first
  commits or rolls back, then reads the committed state.

USAGE:
  store, err := postgres.New(ctx, os.Getenv("DATABASE_URL"))
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - store/sqlite/sqlite.go: Single-node implementation
  - changerequest/store.go: Interface definitions
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/warp/obelisk/changerequest"
)

// ErrDuplicateEmail is returned when saving a user whose email exists.
var ErrDuplicateEmail = errors.New("user email already exists")

// Store implements changerequest.Store using PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to dsn and migrates the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}

	store := NewWithPool(pool)
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// NewWithPool wraps an existing pool without migrating.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Migrate creates the database schema.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS change_requests (
		id BIGSERIAL PRIMARY KEY,
		app_id BIGINT NOT NULL,
		requested_user_id BIGINT NOT NULL,
		processed_user_id BIGINT,
		type TEXT NOT NULL,
		state TEXT NOT NULL,
		properties JSONB,
		requested_at TIMESTAMPTZ NOT NULL,
		cancelled_at TIMESTAMPTZ,
		approved_at TIMESTAMPTZ,
		rejected_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS index_change_requests_on_app_id ON change_requests(app_id);
	CREATE INDEX IF NOT EXISTS index_change_requests_on_processed_user_id ON change_requests(processed_user_id);
	CREATE INDEX IF NOT EXISTS index_change_requests_on_requested_user_id ON change_requests(requested_user_id);
	CREATE INDEX IF NOT EXISTS index_change_requests_on_state ON change_requests(state);
	CREATE INDEX IF NOT EXISTS index_change_requests_on_type ON change_requests(type);

	CREATE TABLE IF NOT EXISTS comments (
		id BIGSERIAL PRIMARY KEY,
		commentable_type TEXT NOT NULL DEFAULT 'ChangeRequest',
		commentable_id BIGINT NOT NULL REFERENCES change_requests(id) ON DELETE CASCADE,
		user_id BIGINT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS index_comments_on_commentable ON comments(commentable_type, commentable_id);

	CREATE TABLE IF NOT EXISTS versions (
		id BIGSERIAL PRIMARY KEY,
		transaction_id UUID,
		item_type TEXT NOT NULL,
		item_id BIGINT NOT NULL,
		event TEXT NOT NULL,
		whodunnit TEXT,
		object_changes JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS index_versions_on_item ON versions(item_type, item_id);
	CREATE INDEX IF NOT EXISTS index_versions_on_transaction_id ON versions(transaction_id);
	`
	_, err := s.pool.Exec(ctx, schema, pgx.QueryExecModeSimpleProtocol)
	return err
}

// =============================================================================
// CHANGE REQUEST STORE
// =============================================================================

const changeRequestColumns = `id, app_id, requested_user_id, processed_user_id, type, state, properties,
	requested_at, approved_at, rejected_at, cancelled_at, created_at, updated_at`

func (s *Store) Create(ctx context.Context, cr *changerequest.ChangeRequest, fn func(tx changerequest.LockedTx, created *changerequest.ChangeRequest) error) (int64, error) {
	props, err := json.Marshal(cr.Properties)
	if err != nil {
		return 0, fmt.Errorf("failed to encode properties: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
INSERT INTO change_requests
	(app_id, requested_user_id, processed_user_id, type, state, properties,
	 requested_at, approved_at, rejected_at, cancelled_at, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING id
`,
		cr.AppID, cr.RequestedUserID, cr.ProcessedUserID, string(cr.Kind), string(cr.State), props,
		cr.RequestedAt, cr.ApprovedAt, cr.RejectedAt, cr.CancelledAt, cr.CreatedAt, cr.UpdatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert change request: %w", err)
	}

	created := cr.Clone()
	created.ID = id
	if fn != nil {
		if err := fn(&lockedTx{tx: tx, id: id}, created); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit change request: %w", err)
	}
	cr.ID = id
	return id, nil
}

func (s *Store) Find(ctx context.Context, id int64) (*changerequest.ChangeRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+changeRequestColumns+` FROM change_requests WHERE id = $1`, id)
	return scanFound(row, id)
}

// WithLock runs fn with the row for id held FOR UPDATE.
func (s *Store) WithLock(ctx context.Context, id int64, fn func(tx changerequest.LockedTx, current *changerequest.ChangeRequest) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+changeRequestColumns+` FROM change_requests WHERE id = $1 FOR UPDATE`, id)
	current, err := scanFound(row, id)
	if err != nil {
		return err
	}

	if err := fn(&lockedTx{tx: tx, id: id}, current); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, filter changerequest.Filter) ([]changerequest.ChangeRequest, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.AppID != 0 {
		add("app_id = $%d", filter.AppID)
	}
	if filter.State != "" {
		add("state = $%d", string(filter.State))
	}
	if filter.Kind != "" {
		add("type = $%d", string(filter.Kind))
	}
	if filter.ProcessedUserID != 0 {
		add("processed_user_id = $%d", filter.ProcessedUserID)
	}
	if filter.RequestedUserID != 0 {
		add("requested_user_id = $%d", filter.RequestedUserID)
	}

	query := `SELECT ` + changeRequestColumns + ` FROM change_requests`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC` + window(&args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
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

func scanFound(row pgx.Row, id int64) (*changerequest.ChangeRequest, error) {
	cr, err := scanChangeRequest(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &changerequest.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load change request %d: %w", id, err)
	}
	return cr, nil
}

func scanChangeRequest(row pgx.Row) (*changerequest.ChangeRequest, error) {
	var cr changerequest.ChangeRequest
	var kind, state string
	var props []byte
	if err := row.Scan(
		&cr.ID,
		&cr.AppID,
		&cr.RequestedUserID,
		&cr.ProcessedUserID,
		&kind,
		&state,
		&props,
		&cr.RequestedAt,
		&cr.ApprovedAt,
		&cr.RejectedAt,
		&cr.CancelledAt,
		&cr.CreatedAt,
		&cr.UpdatedAt,
	); err != nil {
		return nil, err
	}
	cr.Kind = changerequest.Kind(kind)
	cr.State = changerequest.State(state)
	if len(props) > 0 {
		if err := json.Unmarshal(props, &cr.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode properties of change request %d: %w", cr.ID, err)
		}
	}
	return &cr, nil
}

// window appends LIMIT/OFFSET placeholders for non-zero values.
func window(args *[]any, limit, offset int) string {
	var sql string
	if limit > 0 {
		*args = append(*args, limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(*args))
	}
	if offset > 0 {
		*args = append(*args, offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(*args))
	}
	return sql
}

// =============================================================================
// LOCKED TX
// =============================================================================

type lockedTx struct {
	tx pgx.Tx
	id int64
}

func (l *lockedTx) Update(ctx context.Context, cr *changerequest.ChangeRequest, expected changerequest.State) error {
	if cr.ID != l.id {
		return fmt.Errorf("update of change request %d outside its lock (%d)", cr.ID, l.id)
	}
	tag, err := l.tx.Exec(ctx, `
UPDATE change_requests
SET state = $1, processed_user_id = $2, approved_at = $3, rejected_at = $4,
	cancelled_at = $5, updated_at = $6
WHERE id = $7 AND state = $8
`,
		string(cr.State), cr.ProcessedUserID, cr.ApprovedAt, cr.RejectedAt,
		cr.CancelledAt, cr.UpdatedAt, cr.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("failed to update change request %d: %w", cr.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return changerequest.ErrConcurrentModification
	}
	return nil
}

func (l *lockedTx) AddComment(ctx context.Context, c *changerequest.Comment) error {
	err := l.tx.QueryRow(ctx, `
INSERT INTO comments (commentable_type, commentable_id, user_id, content, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $5)
RETURNING id
`, changerequest.ItemChangeRequest, c.ChangeRequestID, c.UserID, c.Content, c.CreatedAt).Scan(&c.ID)
	if err != nil {
		return fmt.Errorf("failed to insert comment: %w", err)
	}
	return nil
}

func (l *lockedTx) AddVersion(ctx context.Context, v *changerequest.Version) error {
	changes, err := json.Marshal(v.ObjectChanges)
	if err != nil {
		return fmt.Errorf("failed to encode object changes: %w", err)
	}
	var whodunnit *string
	if v.Whodunnit != "" {
		whodunnit = &v.Whodunnit
	}
	err = l.tx.QueryRow(ctx, `
INSERT INTO versions (transaction_id, item_type, item_id, event, whodunnit, object_changes, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id
`, v.TransactionID, v.ItemType, v.ItemID, v.Event, whodunnit, changes, v.CreatedAt).Scan(&v.ID)
	if err != nil {
		return fmt.Errorf("failed to insert version: %w", err)
	}
	return nil
}

// =============================================================================
// READ SIDE
// =============================================================================

func (s *Store) Comments(ctx context.Context, changeRequestID int64, page changerequest.Page) ([]changerequest.Comment, error) {
	if _, err := s.Find(ctx, changeRequestID); err != nil {
		return nil, err
	}

	args := []any{changerequest.ItemChangeRequest, changeRequestID}
	query := `
SELECT id, commentable_id, user_id, content, created_at
FROM comments
WHERE commentable_type = $1 AND commentable_id = $2
ORDER BY id DESC` + window(&args, page.Limit, page.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var out []changerequest.Comment
	for rows.Next() {
		var c changerequest.Comment
		if err := rows.Scan(&c.ID, &c.ChangeRequestID, &c.UserID, &c.Content, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) Versions(ctx context.Context, filter changerequest.VersionFilter) ([]changerequest.Version, error) {
	var (
		where []string
		args  []any
	)
	if filter.ItemType != "" {
		args = append(args, filter.ItemType)
		where = append(where, fmt.Sprintf("item_type = $%d", len(args)))
	}
	if filter.ItemID != 0 {
		args = append(args, filter.ItemID)
		where = append(where, fmt.Sprintf("item_id = $%d", len(args)))
	}

	query := `SELECT id, transaction_id, item_type, item_id, event, whodunnit, object_changes, created_at FROM versions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY id DESC` + window(&args, filter.Limit, filter.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var out []changerequest.Version
	for rows.Next() {
		var v changerequest.Version
		var whodunnit *string
		var changes []byte
		if err := rows.Scan(&v.ID, &v.TransactionID, &v.ItemType, &v.ItemID, &v.Event, &whodunnit, &changes, &v.CreatedAt); err != nil {
			return nil, err
		}
		if whodunnit != nil {
			v.Whodunnit = *whodunnit
		}
		if len(changes) > 0 {
			if err := json.Unmarshal(changes, &v.ObjectChanges); err != nil {
				return nil, fmt.Errorf("failed to decode version %d: %w", v.ID, err)
			}
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// =============================================================================
// USER DIRECTORY
// =============================================================================

func (s *Store) SaveUser(ctx context.Context, u *changerequest.User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO users (email, name, role, created_at) VALUES ($1, $2, $3, $4) RETURNING id`,
		u.Email, u.Name, string(u.Role), u.CreatedAt,
	).Scan(&u.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

// GetUser returns the user with the given id, or nil if none exists.
func (s *Store) GetUser(ctx context.Context, id int64) (*changerequest.User, error) {
	return s.getUser(ctx, `SELECT id, email, name, role, created_at FROM users WHERE id = $1`, id)
}

// GetUserByEmail returns the user with the given email, or nil if none exists.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*changerequest.User, error) {
	return s.getUser(ctx, `SELECT id, email, name, role, created_at FROM users WHERE email = $1`, email)
}

func (s *Store) getUser(ctx context.Context, query string, arg any) (*changerequest.User, error) {
	var u changerequest.User
	var role string
	err := s.pool.QueryRow(ctx, query, arg).Scan(&u.ID, &u.Email, &u.Name, &role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	u.Role = changerequest.Role(role)
	return &u, nil
}
