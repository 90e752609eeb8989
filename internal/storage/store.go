// Package storage defines the durable store contract consumed by the
// receipt pipeline. Backends live in the bolt and sqlite subpackages.
package storage

import (
	"context"

	"github.com/zombor/receipt-ledger/internal/models"
)

// Store runs groups of operations inside a single transaction. Everything
// done by fn in Update is committed together or not at all.
type Store interface {
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error

	// Update runs fn in a read-write transaction, rolling back if fn errors.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any resources held by the store.
	Close() error
}

// Tx is the CRUD surface available inside a transaction. Lookups of missing
// records return an error wrapping models.ErrNotFound.
type Tx interface {
	// GetOrCreateUser returns the user for externalID, creating it on first contact.
	GetOrCreateUser(externalID string) (*models.User, error)
	// FindUser looks a user up by external identity without creating it.
	FindUser(externalID string) (*models.User, error)
	GetUser(id int64) (*models.User, error)
	SetDefaultAccount(userID int64, account string) error

	FindMapping(userID int64, normalizedKey string) (*models.ItemMapping, error)
	GetMapping(id int64) (*models.ItemMapping, error)
	// UpsertMapping inserts m or overwrites the canonical name, categories
	// and UpdatedAt of the existing (UserID, NormalizedKey) mapping.
	UpsertMapping(m *models.ItemMapping) (int64, error)

	// CreateSession persists s and populates s.ID.
	CreateSession(s *models.Session) error
	GetSession(id int64) (*models.Session, error)
	SetSessionStore(id int64, store string) error
	SetSessionStatus(id int64, status models.Status) error

	// AddLine persists l and populates l.ID.
	AddLine(l *models.Line) error
	GetLine(id int64) (*models.Line, error)
	// ListLines returns a session's lines in insertion order.
	ListLines(sessionID int64) ([]*models.Line, error)
	// SetLineMapping attaches a mapping to an unresolved line. It returns
	// models.ErrAlreadyResolved if the line already has one.
	SetLineMapping(lineID, mappingID int64) error
	UnresolvedLines(sessionID int64) ([]*models.Line, error)

	SetState(sessionID int64, state models.SessionState) error
	// GetState returns the idle state when none has been recorded.
	GetState(sessionID int64) (models.SessionState, error)
}
