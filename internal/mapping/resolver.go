package mapping

import (
	"errors"
	"fmt"
	"time"

	"github.com/zombor/receipt-ledger/internal/models"
)

// Store is the slice of the durable store the resolver needs.
type Store interface {
	FindMapping(userID int64, normalizedKey string) (*models.ItemMapping, error)
	UpsertMapping(m *models.ItemMapping) (int64, error)
}

// Clock provides the current time
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Resolution is the outcome of a lookup: either a mapping or nothing.
type Resolution struct {
	Mapping *models.ItemMapping
}

// Resolved reports whether a mapping was found.
func (r Resolution) Resolved() bool {
	return r.Mapping != nil
}

// MappingID returns the mapping id, or nil when unresolved.
func (r Resolution) MappingID() *int64 {
	if r.Mapping == nil {
		return nil
	}
	id := r.Mapping.ID
	return &id
}

// Resolver looks up and records per-user item mappings.
type Resolver struct {
	clock Clock
}

// NewResolver creates a Resolver using the system clock.
func NewResolver() *Resolver {
	return &Resolver{clock: systemClock{}}
}

// NewResolverWithClock creates a Resolver with a custom clock for testing.
func NewResolverWithClock(clock Clock) *Resolver {
	return &Resolver{clock: clock}
}

// Lookup finds the user's mapping for normalizedKey. A missing mapping is an
// unresolved Resolution, not an error.
func (r *Resolver) Lookup(store Store, userID int64, normalizedKey string) (Resolution, error) {
	m, err := store.FindMapping(userID, normalizedKey)
	if errors.Is(err, models.ErrNotFound) {
		return Resolution{}, nil
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("finding mapping: %w", err)
	}
	return Resolution{Mapping: m}, nil
}

// Upsert records a mapping for (userID, normalizedKey), overwriting the
// canonical name and categories of any existing one. Lines already attached
// to the mapping keep their reference.
func (r *Resolver) Upsert(store Store, userID int64, normalizedKey, canonicalName, category, subcategory string) (int64, error) {
	now := r.clock.Now()
	id, err := store.UpsertMapping(&models.ItemMapping{
		UserID:        userID,
		NormalizedKey: normalizedKey,
		CanonicalName: canonicalName,
		Category:      category,
		Subcategory:   subcategory,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return 0, fmt.Errorf("upserting mapping: %w", err)
	}
	return id, nil
}
