package config

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/markgate/markgate/internal/connector"
	"github.com/markgate/markgate/internal/model"
)

// Store persists credentials, users and audit events in any of the
// supported SQL engines. Queries are written with ? placeholders and rebound
// to the driver's bind style.
type Store struct {
	db     *sqlx.DB
	conn   connector.Connector
	driver string
}

// NewStore creates a SQLite-backed store under dataDir. Pass empty string
// for in-memory.
func NewStore(dataDir string) (*Store, error) {
	return Open(StorageConfig{Driver: "sqlite", DataDir: dataDir})
}

// Open connects to the database described by cfg and applies migrations.
func Open(cfg StorageConfig) (*Store, error) {
	driver, err := ResolveDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if driver == "sqlite" && dsn == "" {
		if cfg.DataDir == "" {
			dsn = ":memory:?_journal_mode=WAL&_time_format=sqlite"
		} else {
			if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
			dsn = filepath.Join(cfg.DataDir, "markgate.db") + "?_journal_mode=WAL&_busy_timeout=5000&_time_format=sqlite"
		}
	}
	if dsn == "" {
		return nil, fmt.Errorf("storage.dsn is required for driver %q", driver)
	}

	conn, db, err := drivers.Open(connector.ConnectionConfig{Driver: driver, DSN: dsn})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	s := &Store{db: db, conn: conn, driver: driver}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the canonical storage driver name.
func (s *Store) Driver() string {
	return s.driver
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// dbTime normalizes timestamps before they are written: UTC, microsecond
// precision (the coarsest of the supported engines).
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func dbTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := dbTime(*t)
	return &v
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// ---------------------------------------------------------------------------
// Credential CRUD
// ---------------------------------------------------------------------------

type credentialRow struct {
	ID         string         `db:"id"`
	Name       string         `db:"name"`
	SecretHash string         `db:"secret_hash"`
	Role       string         `db:"role"`
	OwnerID    sql.NullString `db:"owner_id"`
	IsActive   bool           `db:"is_active"`
	CreatedAt  time.Time      `db:"created_at"`
	LastUsedAt *time.Time     `db:"last_used_at"`
	ExpiresAt  *time.Time     `db:"expires_at"`
}

func (r credentialRow) toModel() model.Credential {
	c := model.Credential{
		ID:         r.ID,
		Name:       r.Name,
		SecretHash: r.SecretHash,
		Role:       model.Role(r.Role),
		IsActive:   r.IsActive,
		CreatedAt:  r.CreatedAt.UTC(),
		LastUsedAt: utcPtr(r.LastUsedAt),
		ExpiresAt:  utcPtr(r.ExpiresAt),
	}
	if r.OwnerID.Valid {
		owner := r.OwnerID.String
		c.OwnerID = &owner
	}
	return c
}

func toCredentials(rows []credentialRow) []model.Credential {
	out := make([]model.Credential, len(rows))
	for i, r := range rows {
		out[i] = r.toModel()
	}
	return out
}

const credentialColumns = `id, name, secret_hash, role, owner_id, is_active, created_at, last_used_at, expires_at`

// CreateCredential inserts a new credential. The name check and the insert
// run in one transaction; a name already held by any credential, active or
// not, yields ErrDuplicate and nothing is written. ID and CreatedAt are
// filled in when empty.
func (s *Store) CreateCredential(ctx context.Context, c *model.Credential) error {
	if c.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate credential id: %w", err)
		}
		c.ID = id.String()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.CreatedAt = dbTime(c.CreatedAt)
	c.ExpiresAt = dbTimePtr(c.ExpiresAt)

	var owner sql.NullString
	if c.OwnerID != nil {
		owner = sql.NullString{String: *c.OwnerID, Valid: true}
	}

	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind("SELECT COUNT(*) FROM credentials WHERE name = ?"), c.Name); err != nil {
			return fmt.Errorf("check credential name: %w", err)
		}
		if n > 0 {
			return ErrDuplicate
		}

		q := tx.Rebind(`INSERT INTO credentials (` + credentialColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		_, err := tx.ExecContext(ctx, q,
			c.ID, c.Name, c.SecretHash, string(c.Role), owner, c.IsActive,
			c.CreatedAt, c.LastUsedAt, c.ExpiresAt)
		if err != nil {
			if s.conn.IsUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("insert credential: %w", err)
		}
		return nil
	})
}

// GetCredential returns a credential by ID.
func (s *Store) GetCredential(ctx context.Context, id string) (*model.Credential, error) {
	return s.getCredential(ctx, "id", id)
}

// GetCredentialByName returns a credential by its unique name.
func (s *Store) GetCredentialByName(ctx context.Context, name string) (*model.Credential, error) {
	return s.getCredential(ctx, "name", name)
}

func (s *Store) getCredential(ctx context.Context, column, value string) (*model.Credential, error) {
	var row credentialRow
	q := s.db.Rebind("SELECT " + credentialColumns + " FROM credentials WHERE " + column + " = ?")
	if err := s.db.GetContext(ctx, &row, q, value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get credential by %s: %w", column, err)
	}
	c := row.toModel()
	return &c, nil
}

// ListActiveCredentials returns every credential whose active flag is set,
// including expired ones; callers decide how to treat expiry.
func (s *Store) ListActiveCredentials(ctx context.Context) ([]model.Credential, error) {
	var rows []credentialRow
	q := s.db.Rebind("SELECT " + credentialColumns + " FROM credentials WHERE is_active = ? ORDER BY created_at, id")
	if err := s.db.SelectContext(ctx, &rows, q, true); err != nil {
		return nil, fmt.Errorf("list active credentials: %w", err)
	}
	return toCredentials(rows), nil
}

// ListCredentials returns credentials matching f, oldest first.
func (s *Store) ListCredentials(ctx context.Context, f model.CredentialFilter) ([]model.Credential, error) {
	var (
		where []string
		args  []interface{}
	)
	if !f.IncludeInactive {
		where = append(where, "is_active = ?")
		args = append(args, true)
	}
	if f.Role != "" {
		where = append(where, "role = ?")
		args = append(args, string(f.Role))
	}
	if f.OwnerID != "" {
		where = append(where, "owner_id = ?")
		args = append(args, f.OwnerID)
	}

	q := "SELECT " + credentialColumns + " FROM credentials"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, id"

	var rows []credentialRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	return toCredentials(rows), nil
}

// UpdateCredentialHash replaces the stored secret hash. No other column
// changes.
func (s *Store) UpdateCredentialHash(ctx context.Context, id, hash string) error {
	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE credentials SET secret_hash = ? WHERE id = ?"), hash, id)
	if err != nil {
		return fmt.Errorf("update credential hash: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetCredentialActive sets the active flag. changed is false when the
// credential was already in the requested state.
func (s *Store) SetCredentialActive(ctx context.Context, id string, active bool) (changed bool, err error) {
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx,
			tx.Rebind("UPDATE credentials SET is_active = ? WHERE id = ? AND is_active = ?"),
			active, id, !active)
		if err != nil {
			return fmt.Errorf("update credential status: %w", err)
		}
		n, _ := result.RowsAffected()
		if n > 0 {
			changed = true
			return nil
		}

		var count int
		if err := tx.GetContext(ctx, &count, tx.Rebind("SELECT COUNT(*) FROM credentials WHERE id = ?"), id); err != nil {
			return fmt.Errorf("check credential: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return nil
	})
	return changed, err
}

// TouchCredential records a successful use at the given time.
func (s *Store) TouchCredential(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE credentials SET last_used_at = ? WHERE id = ?"), dbTime(at), id)
	if err != nil {
		return fmt.Errorf("update credential last used: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasActiveAdmin reports whether at least one active ADMIN credential exists.
func (s *Store) HasActiveAdmin(ctx context.Context) (bool, error) {
	var n int
	q := s.db.Rebind("SELECT COUNT(*) FROM credentials WHERE role = ? AND is_active = ?")
	if err := s.db.GetContext(ctx, &n, q, string(model.RoleAdmin), true); err != nil {
		return false, fmt.Errorf("count admin credentials: %w", err)
	}
	return n > 0, nil
}

// ---------------------------------------------------------------------------
// User CRUD
// ---------------------------------------------------------------------------

type userRow struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Email     string    `db:"email"`
	Status    string    `db:"status"`
	CreatedAt time.Time `db:"created_at"`
}

func (r userRow) toModel() model.User {
	return model.User{
		ID:        r.ID,
		Name:      r.Name,
		Email:     r.Email,
		Status:    model.UserStatus(r.Status),
		CreatedAt: r.CreatedAt.UTC(),
	}
}

// CreateUser inserts a new user. A taken email yields ErrDuplicate.
func (s *Store) CreateUser(ctx context.Context, u *model.User) error {
	if u.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate user id: %w", err)
		}
		u.ID = id.String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	u.CreatedAt = dbTime(u.CreatedAt)
	if u.Status == "" {
		u.Status = model.UserActive
	}

	row := userRow{ID: u.ID, Name: u.Name, Email: u.Email, Status: string(u.Status), CreatedAt: u.CreatedAt}
	const q = `INSERT INTO users (id, name, email, status, created_at)
		VALUES (:id, :name, :email, :status, :created_at)`
	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		if s.conn.IsUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUser returns a user by ID.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var row userRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT * FROM users WHERE id = ?"), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	u := row.toModel()
	return &u, nil
}

// GetUserByEmail returns a user by email address.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var row userRow
	if err := s.db.GetContext(ctx, &row, s.db.Rebind("SELECT * FROM users WHERE email = ?"), email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	u := row.toModel()
	return &u, nil
}

// ListUsers returns all users, oldest first.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, "SELECT * FROM users ORDER BY created_at, id"); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]model.User, len(rows))
	for i, r := range rows {
		users[i] = r.toModel()
	}
	return users, nil
}

// SetUserStatus updates a user's status. changed is false when the user was
// already in the requested state.
func (s *Store) SetUserStatus(ctx context.Context, id string, status model.UserStatus) (changed bool, err error) {
	err = s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx,
			tx.Rebind("UPDATE users SET status = ? WHERE id = ? AND status <> ?"),
			string(status), id, string(status))
		if err != nil {
			return fmt.Errorf("update user status: %w", err)
		}
		n, _ := result.RowsAffected()
		if n > 0 {
			changed = true
			return nil
		}

		var count int
		if err := tx.GetContext(ctx, &count, tx.Rebind("SELECT COUNT(*) FROM users WHERE id = ?"), id); err != nil {
			return fmt.Errorf("check user: %w", err)
		}
		if count == 0 {
			return ErrNotFound
		}
		return nil
	})
	return changed, err
}

// ---------------------------------------------------------------------------
// Audit events
// ---------------------------------------------------------------------------

type auditRow struct {
	ID         string         `db:"id"`
	Seq        int64          `db:"seq"`
	Action     string         `db:"action"`
	ActorID    sql.NullString `db:"actor_id"`
	Outcome    string         `db:"outcome"`
	Detail     string         `db:"detail"`
	OccurredAt time.Time      `db:"occurred_at"`
}

func (r auditRow) toModel() model.AuditEvent {
	e := model.AuditEvent{
		ID:         r.ID,
		Seq:        r.Seq,
		Action:     model.AuditAction(r.Action),
		ActorID:    r.ActorID.String,
		Outcome:    model.Outcome(r.Outcome),
		OccurredAt: r.OccurredAt.UTC(),
	}
	if r.Detail != "" && r.Detail != "{}" {
		// Detail is written by InsertAuditEvent; a row that fails to decode
		// keeps its raw text so nothing is lost.
		if err := json.Unmarshal([]byte(r.Detail), &e.Detail); err != nil {
			e.Detail = map[string]interface{}{"raw": r.Detail}
		}
	}
	return e
}

// InsertAuditEvent appends an audit event. Events are never updated.
func (s *Store) InsertAuditEvent(ctx context.Context, e *model.AuditEvent) error {
	if e.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate audit id: %w", err)
		}
		e.ID = id.String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	e.OccurredAt = dbTime(e.OccurredAt)

	detail := "{}"
	if len(e.Detail) > 0 {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("encode audit detail: %w", err)
		}
		detail = string(b)
	}

	var actor sql.NullString
	if e.ActorID != "" {
		actor = sql.NullString{String: e.ActorID, Valid: true}
	}

	row := auditRow{
		ID:         e.ID,
		Seq:        e.Seq,
		Action:     string(e.Action),
		ActorID:    actor,
		Outcome:    string(e.Outcome),
		Detail:     detail,
		OccurredAt: e.OccurredAt,
	}
	const q = `INSERT INTO audit_events (id, seq, action, actor_id, outcome, detail, occurred_at)
		VALUES (:id, :seq, :action, :actor_id, :outcome, :detail, :occurred_at)`
	if _, err := s.db.NamedExecContext(ctx, q, row); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAuditEvents returns events matching f in canonical order (occurred_at,
// then seq). With a limit, the most recent f.Limit events are returned.
func (s *Store) ListAuditEvents(ctx context.Context, f model.AuditFilter) ([]model.AuditEvent, error) {
	var (
		where []string
		args  []interface{}
	)
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(f.Action))
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = ?")
		args = append(args, f.ActorID)
	}
	if !f.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, dbTime(f.Since))
	}

	q := "SELECT id, seq, action, actor_id, outcome, detail, occurred_at FROM audit_events"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	if f.Limit > 0 {
		q += " ORDER BY occurred_at DESC, seq DESC " + s.conn.Limit(f.Limit)
	} else {
		q += " ORDER BY occurred_at, seq"
	}

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}

	events := make([]model.AuditEvent, len(rows))
	for i, r := range rows {
		events[i] = r.toModel()
	}
	if f.Limit > 0 {
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	}
	return events, nil
}

// DeleteAuditEventsBefore removes events older than cutoff and returns how
// many were removed. It is a retention tool only.
func (s *Store) DeleteAuditEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM audit_events WHERE occurred_at < ?"), dbTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune audit events: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
