// Package bolt implements storage.Store on top of a single bbolt file.
package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/receipt-ledger/internal/models"
	"github.com/zombor/receipt-ledger/internal/storage"
)

var (
	usersBucket        = []byte("users")
	userIndexBucket    = []byte("user_index")
	mappingsBucket     = []byte("mappings")
	mappingIndexBucket = []byte("mapping_index")
	sessionsBucket     = []byte("sessions")
	linesBucket        = []byte("lines")
	sessionLinesBucket = []byte("session_lines")
	stateBucket        = []byte("session_state")

	allBuckets = [][]byte{
		usersBucket, userIndexBucket, mappingsBucket, mappingIndexBucket,
		sessionsBucket, linesBucket, sessionLinesBucket, stateBucket,
	}
)

// Ensure DB implements storage.Store
var _ storage.Store = (*DB)(nil)

// DB implements storage.Store using BoltDB
type DB struct {
	db *bbolt.DB
}

// Open opens (or creates) the database at path and ensures all buckets exist.
func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &DB{db: db}, nil
}

// View runs fn in a read-only bolt transaction.
func (b *DB) View(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Update runs fn in a read-write bolt transaction.
func (b *DB) Update(ctx context.Context, fn func(tx storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return fn(&boltTx{tx: tx})
	})
}

// Close closes the database connection
func (b *DB) Close() error {
	return b.db.Close()
}

type boltTx struct {
	tx *bbolt.Tx
}

func itob(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func btoi(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}

func mappingIndexKey(userID int64, normalizedKey string) []byte {
	return append(itob(userID), []byte(normalizedKey)...)
}

func (t *boltTx) nextID(bucket []byte) (int64, error) {
	seq, err := t.tx.Bucket(bucket).NextSequence()
	if err != nil {
		return 0, fmt.Errorf("allocating id: %w", err)
	}
	return int64(seq), nil
}

func (t *boltTx) put(bucket []byte, id int64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", bucket, err)
	}
	return t.tx.Bucket(bucket).Put(itob(id), data)
}

func (t *boltTx) get(bucket []byte, id int64, v any) error {
	data := t.tx.Bucket(bucket).Get(itob(id))
	if data == nil {
		return fmt.Errorf("%w: %s %d", models.ErrNotFound, bucket, id)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshaling %s: %w", bucket, err)
	}
	return nil
}

func (t *boltTx) GetOrCreateUser(externalID string) (*models.User, error) {
	if id := t.tx.Bucket(userIndexBucket).Get([]byte(externalID)); id != nil {
		return t.GetUser(btoi(id))
	}

	id, err := t.nextID(usersBucket)
	if err != nil {
		return nil, err
	}
	user := &models.User{ID: id, ExternalID: externalID, CreatedAt: time.Now()}
	if err := t.put(usersBucket, id, user); err != nil {
		return nil, err
	}
	if err := t.tx.Bucket(userIndexBucket).Put([]byte(externalID), itob(id)); err != nil {
		return nil, fmt.Errorf("indexing user: %w", err)
	}
	return user, nil
}

func (t *boltTx) FindUser(externalID string) (*models.User, error) {
	id := t.tx.Bucket(userIndexBucket).Get([]byte(externalID))
	if id == nil {
		return nil, fmt.Errorf("%w: user %q", models.ErrNotFound, externalID)
	}
	return t.GetUser(btoi(id))
}

func (t *boltTx) GetUser(id int64) (*models.User, error) {
	var user models.User
	if err := t.get(usersBucket, id, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (t *boltTx) SetDefaultAccount(userID int64, account string) error {
	user, err := t.GetUser(userID)
	if err != nil {
		return err
	}
	user.DefaultAccount = account
	return t.put(usersBucket, userID, user)
}

func (t *boltTx) FindMapping(userID int64, normalizedKey string) (*models.ItemMapping, error) {
	id := t.tx.Bucket(mappingIndexBucket).Get(mappingIndexKey(userID, normalizedKey))
	if id == nil {
		return nil, fmt.Errorf("%w: mapping %q for user %d", models.ErrNotFound, normalizedKey, userID)
	}
	return t.GetMapping(btoi(id))
}

func (t *boltTx) GetMapping(id int64) (*models.ItemMapping, error) {
	var mapping models.ItemMapping
	if err := t.get(mappingsBucket, id, &mapping); err != nil {
		return nil, err
	}
	return &mapping, nil
}

func (t *boltTx) UpsertMapping(m *models.ItemMapping) (int64, error) {
	index := t.tx.Bucket(mappingIndexBucket)
	key := mappingIndexKey(m.UserID, m.NormalizedKey)

	if id := index.Get(key); id != nil {
		existing, err := t.GetMapping(btoi(id))
		if err != nil {
			return 0, err
		}
		existing.CanonicalName = m.CanonicalName
		existing.Category = m.Category
		existing.Subcategory = m.Subcategory
		existing.UpdatedAt = m.UpdatedAt
		if err := t.put(mappingsBucket, existing.ID, existing); err != nil {
			return 0, err
		}
		return existing.ID, nil
	}

	id, err := t.nextID(mappingsBucket)
	if err != nil {
		return 0, err
	}
	created := *m
	created.ID = id
	if err := t.put(mappingsBucket, id, &created); err != nil {
		return 0, err
	}
	if err := index.Put(key, itob(id)); err != nil {
		return 0, fmt.Errorf("indexing mapping: %w", err)
	}
	return id, nil
}

func (t *boltTx) CreateSession(s *models.Session) error {
	id, err := t.nextID(sessionsBucket)
	if err != nil {
		return err
	}
	s.ID = id
	return t.put(sessionsBucket, id, s)
}

func (t *boltTx) GetSession(id int64) (*models.Session, error) {
	var session models.Session
	if err := t.get(sessionsBucket, id, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

func (t *boltTx) updateSession(id int64, mutate func(s *models.Session)) error {
	session, err := t.GetSession(id)
	if err != nil {
		return err
	}
	mutate(session)
	session.UpdatedAt = time.Now()
	return t.put(sessionsBucket, id, session)
}

func (t *boltTx) SetSessionStore(id int64, store string) error {
	return t.updateSession(id, func(s *models.Session) { s.Store = store })
}

func (t *boltTx) SetSessionStatus(id int64, status models.Status) error {
	return t.updateSession(id, func(s *models.Session) { s.Status = status })
}

func (t *boltTx) AddLine(l *models.Line) error {
	if _, err := t.GetSession(l.SessionID); err != nil {
		return err
	}
	id, err := t.nextID(linesBucket)
	if err != nil {
		return err
	}
	l.ID = id
	if err := t.put(linesBucket, id, l); err != nil {
		return err
	}
	key := append(itob(l.SessionID), itob(id)...)
	if err := t.tx.Bucket(sessionLinesBucket).Put(key, []byte{}); err != nil {
		return fmt.Errorf("indexing line: %w", err)
	}
	return nil
}

func (t *boltTx) GetLine(id int64) (*models.Line, error) {
	var line models.Line
	if err := t.get(linesBucket, id, &line); err != nil {
		return nil, err
	}
	return &line, nil
}

func (t *boltTx) ListLines(sessionID int64) ([]*models.Line, error) {
	lines := make([]*models.Line, 0)
	prefix := itob(sessionID)
	c := t.tx.Bucket(sessionLinesBucket).Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		line, err := t.GetLine(btoi(k[len(prefix):]))
		if err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, nil
}

func (t *boltTx) SetLineMapping(lineID, mappingID int64) error {
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
	line.MappingID = &mappingID
	line.NeedsReview = false
	return t.put(linesBucket, lineID, line)
}

func (t *boltTx) UnresolvedLines(sessionID int64) ([]*models.Line, error) {
	lines, err := t.ListLines(sessionID)
	if err != nil {
		return nil, err
	}
	unresolved := make([]*models.Line, 0)
	for _, line := range lines {
		if !line.Resolved() {
			unresolved = append(unresolved, line)
		}
	}
	return unresolved, nil
}

func (t *boltTx) SetState(sessionID int64, state models.SessionState) error {
	if err := state.Validate(); err != nil {
		return fmt.Errorf("invalid session state: %w", err)
	}
	return t.put(stateBucket, sessionID, state)
}

func (t *boltTx) GetState(sessionID int64) (models.SessionState, error) {
	data := t.tx.Bucket(stateBucket).Get(itob(sessionID))
	if data == nil {
		return models.IdleState(), nil
	}
	var state models.SessionState
	if err := json.Unmarshal(data, &state); err != nil {
		return models.SessionState{}, fmt.Errorf("unmarshaling session state: %w", err)
	}
	return state, nil
}
