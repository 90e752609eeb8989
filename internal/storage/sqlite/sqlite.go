// Package sqlite provides a SQLite-backed implementation of storage.Store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/zombor/receipt-ledger/internal/models"
	"github.com/zombor/receipt-ledger/internal/storage"
)

// Ensure SQLiteStore implements storage.Store
var _ storage.Store = (*SQLiteStore)(nil)

// SQLiteStore implements storage.Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// New creates a new SQLiteStore with the given database path.
// It creates the parent directories and runs migrations automatically.
func New(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; transactions hold the connection for their duration.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// View runs fn in a transaction that is always rolled back.
func (s *SQLiteStore) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	return fn(&sqliteTx{ctx: ctx, tx: tx})
}

// Update runs fn in a transaction committed only when fn succeeds.
func (s *SQLiteStore) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{ctx: ctx, tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

type scanner interface {
	Scan(dest ...any) error
}

func toUnix(t time.Time) int64 {
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func notFound(err error, what string, id any) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s %v", models.ErrNotFound, what, id)
	}
	return fmt.Errorf("failed to get %s: %w", what, err)
}

func expectRow(res sql.Result, what string, id any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update %s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %v", models.ErrNotFound, what, id)
	}
	return nil
}

const userColumns = "id, external_id, COALESCE(default_account, ''), created_at"

func scanUser(row scanner) (*models.User, error) {
	var (
		user      models.User
		createdAt int64
	)
	if err := row.Scan(&user.ID, &user.ExternalID, &user.DefaultAccount, &createdAt); err != nil {
		return nil, err
	}
	user.CreatedAt = fromUnix(createdAt)
	return &user, nil
}

func (t *sqliteTx) GetOrCreateUser(externalID string) (*models.User, error) {
	_, err := t.tx.ExecContext(t.ctx,
		"INSERT INTO users (external_id, created_at) VALUES (?, ?) ON CONFLICT(external_id) DO NOTHING",
		externalID, toUnix(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	user, err := scanUser(t.tx.QueryRowContext(t.ctx,
		"SELECT "+userColumns+" FROM users WHERE external_id = ?", externalID))
	if err != nil {
		return nil, notFound(err, "user", externalID)
	}
	return user, nil
}

func (t *sqliteTx) FindUser(externalID string) (*models.User, error) {
	user, err := scanUser(t.tx.QueryRowContext(t.ctx,
		"SELECT "+userColumns+" FROM users WHERE external_id = ?", externalID))
	if err != nil {
		return nil, notFound(err, "user", externalID)
	}
	return user, nil
}

func (t *sqliteTx) GetUser(id int64) (*models.User, error) {
	user, err := scanUser(t.tx.QueryRowContext(t.ctx,
		"SELECT "+userColumns+" FROM users WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return user, nil
}

func (t *sqliteTx) SetDefaultAccount(userID int64, account string) error {
	res, err := t.tx.ExecContext(t.ctx,
		"UPDATE users SET default_account = ? WHERE id = ?", account, userID)
	if err != nil {
		return fmt.Errorf("failed to update user: %w", err)
	}
	return expectRow(res, "user", userID)
}

const mappingColumns = "id, user_id, normalized_key, canonical_name, category, subcategory, created_at, updated_at"

func scanMapping(row scanner) (*models.ItemMapping, error) {
	var (
		m                    models.ItemMapping
		createdAt, updatedAt int64
	)
	err := row.Scan(&m.ID, &m.UserID, &m.NormalizedKey, &m.CanonicalName,
		&m.Category, &m.Subcategory, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = fromUnix(createdAt)
	m.UpdatedAt = fromUnix(updatedAt)
	return &m, nil
}

func (t *sqliteTx) FindMapping(userID int64, normalizedKey string) (*models.ItemMapping, error) {
	m, err := scanMapping(t.tx.QueryRowContext(t.ctx,
		"SELECT "+mappingColumns+" FROM item_mappings WHERE user_id = ? AND normalized_key = ?",
		userID, normalizedKey,
	))
	if err != nil {
		return nil, notFound(err, "mapping", normalizedKey)
	}
	return m, nil
}

func (t *sqliteTx) GetMapping(id int64) (*models.ItemMapping, error) {
	m, err := scanMapping(t.tx.QueryRowContext(t.ctx,
		"SELECT "+mappingColumns+" FROM item_mappings WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err, "mapping", id)
	}
	return m, nil
}

func (t *sqliteTx) UpsertMapping(m *models.ItemMapping) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(t.ctx, `
		INSERT INTO item_mappings (user_id, normalized_key, canonical_name, category, subcategory, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, normalized_key) DO UPDATE SET
			canonical_name = excluded.canonical_name,
			category = excluded.category,
			subcategory = excluded.subcategory,
			updated_at = excluded.updated_at
		RETURNING id`,
		m.UserID, m.NormalizedKey, m.CanonicalName, m.Category, m.Subcategory,
		toUnix(m.CreatedAt), toUnix(m.UpdatedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert mapping: %w", err)
	}
	return id, nil
}

const sessionColumns = "id, user_id, account, receipt_date, COALESCE(store, ''), status, COALESCE(image_path, ''), created_at, updated_at"

func scanSession(row scanner) (*models.Session, error) {
	var (
		s                                 models.Session
		status                            string
		receiptDate, createdAt, updatedAt int64
	)
	err := row.Scan(&s.ID, &s.UserID, &s.Account, &receiptDate, &s.Store,
		&status, &s.ImageRef, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = models.Status(status)
	s.ReceiptDate = fromUnix(receiptDate)
	s.CreatedAt = fromUnix(createdAt)
	s.UpdatedAt = fromUnix(updatedAt)
	return &s, nil
}

func (t *sqliteTx) CreateSession(s *models.Session) error {
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO receipt_sessions (user_id, account, receipt_date, store, status, image_path, created_at, updated_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, NULLIF(?, ''), ?, ?)`,
		s.UserID, s.Account, toUnix(s.ReceiptDate), s.Store, string(s.Status), s.ImageRef,
		toUnix(s.CreatedAt), toUnix(s.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read session id: %w", err)
	}
	s.ID = id
	return nil
}

func (t *sqliteTx) GetSession(id int64) (*models.Session, error) {
	s, err := scanSession(t.tx.QueryRowContext(t.ctx,
		"SELECT "+sessionColumns+" FROM receipt_sessions WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err, "session", id)
	}
	return s, nil
}

func (t *sqliteTx) SetSessionStore(id int64, store string) error {
	res, err := t.tx.ExecContext(t.ctx,
		"UPDATE receipt_sessions SET store = ?, updated_at = ? WHERE id = ?",
		store, toUnix(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return expectRow(res, "session", id)
}

func (t *sqliteTx) SetSessionStatus(id int64, status models.Status) error {
	res, err := t.tx.ExecContext(t.ctx,
		"UPDATE receipt_sessions SET status = ?, updated_at = ? WHERE id = ?",
		string(status), toUnix(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return expectRow(res, "session", id)
}

const lineColumns = "id, session_id, raw_name, normalized_key, amount, confidence, mapping_id, needs_review, created_at"

func scanLine(row scanner) (*models.Line, error) {
	var (
		l         models.Line
		amount    string
		mappingID sql.NullInt64
		createdAt int64
	)
	err := row.Scan(&l.ID, &l.SessionID, &l.RawName, &l.NormalizedKey, &amount,
		&l.Confidence, &mappingID, &l.NeedsReview, &createdAt)
	if err != nil {
		return nil, err
	}
	l.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q on line %d: %w", amount, l.ID, err)
	}
	if mappingID.Valid {
		id := mappingID.Int64
		l.MappingID = &id
	}
	l.CreatedAt = fromUnix(createdAt)
	return &l, nil
}

func (t *sqliteTx) AddLine(l *models.Line) error {
	if _, err := t.GetSession(l.SessionID); err != nil {
		return err
	}

	var mappingID sql.NullInt64
	if l.MappingID != nil {
		mappingID = sql.NullInt64{Int64: *l.MappingID, Valid: true}
	}
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO receipt_lines (session_id, raw_name, normalized_key, amount, confidence, mapping_id, needs_review, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.SessionID, l.RawName, l.NormalizedKey, l.Amount.String(), l.Confidence,
		mappingID, l.NeedsReview, toUnix(l.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert line: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read line id: %w", err)
	}
	l.ID = id
	return nil
}

func (t *sqliteTx) GetLine(id int64) (*models.Line, error) {
	l, err := scanLine(t.tx.QueryRowContext(t.ctx,
		"SELECT "+lineColumns+" FROM receipt_lines WHERE id = ?", id))
	if err != nil {
		return nil, notFound(err, "line", id)
	}
	return l, nil
}

func (t *sqliteTx) queryLines(query string, args ...any) ([]*models.Line, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get lines: %w", err)
	}
	defer rows.Close()

	lines := make([]*models.Line, 0)
	for rows.Next() {
		l, err := scanLine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate lines: %w", err)
	}
	return lines, nil
}

func (t *sqliteTx) ListLines(sessionID int64) ([]*models.Line, error) {
	return t.queryLines(
		"SELECT "+lineColumns+" FROM receipt_lines WHERE session_id = ? ORDER BY id ASC", sessionID)
}

func (t *sqliteTx) SetLineMapping(lineID, mappingID int64) error {
	line, err := t.GetLine(lineID)
	if err != nil {
		return err
	}
	if line.Resolved() {
		return fmt.Errorf("%w: line %d", models.ErrAlreadyResolved, lineID)
	}
	if _, err := t.GetMapping(mappingID); err != nil {
		return err
	}

	res, err := t.tx.ExecContext(t.ctx,
		"UPDATE receipt_lines SET mapping_id = ?, needs_review = 0 WHERE id = ? AND mapping_id IS NULL",
		mappingID, lineID)
	if err != nil {
		return fmt.Errorf("failed to update line: %w", err)
	}
	return expectRow(res, "line", lineID)
}

func (t *sqliteTx) UnresolvedLines(sessionID int64) ([]*models.Line, error) {
	return t.queryLines(
		"SELECT "+lineColumns+" FROM receipt_lines WHERE session_id = ? AND mapping_id IS NULL ORDER BY id ASC", sessionID)
}

func (t *sqliteTx) SetState(sessionID int64, state models.SessionState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("invalid session state: %w", err)
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}
	_, err = t.tx.ExecContext(t.ctx, `
		INSERT INTO session_state (session_id, state_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET state_json = excluded.state_json, updated_at = excluded.updated_at`,
		sessionID, string(payload), toUnix(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}
	return nil
}

func (t *sqliteTx) GetState(sessionID int64) (models.SessionState, error) {
	var payload string
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT state_json FROM session_state WHERE session_id = ?", sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return models.IdleState(), nil
	}
	if err != nil {
		return models.SessionState{}, fmt.Errorf("failed to get session state: %w", err)
	}
	var state models.SessionState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return models.SessionState{}, fmt.Errorf("failed to unmarshal session state: %w", err)
	}
	return state, nil
}
