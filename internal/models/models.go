package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned by stores when a referenced record does not exist
	// or is not visible to the requesting user.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyResolved is returned when a mapping is attached to a line that
	// already carries one.
	ErrAlreadyResolved = errors.New("line already resolved")
)

// User is a transport-level identity with an optional default account label.
type User struct {
	ID             int64     `json:"id"`
	ExternalID     string    `json:"external_id"`
	DefaultAccount string    `json:"default_account,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ItemMapping is a learned association from a user's normalized item key to a
// spending category.
type ItemMapping struct {
	ID            int64     `json:"id"`
	UserID        int64     `json:"user_id"`
	NormalizedKey string    `json:"normalized_key"`
	CanonicalName string    `json:"canonical_name"`
	Category      string    `json:"category"`
	Subcategory   string    `json:"subcategory"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Session is one processing attempt for a single submitted receipt image.
type Session struct {
	ID          int64     `json:"id"`
	UserID      int64     `json:"user_id"`
	Account     string    `json:"account"`
	ReceiptDate time.Time `json:"receipt_date"`
	Store       string    `json:"store,omitempty"`
	Status      Status    `json:"status"`
	ImageRef    string    `json:"image_ref,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Line is a single parsed receipt line. MappingID is nil until resolved.
type Line struct {
	ID            int64           `json:"id"`
	SessionID     int64           `json:"session_id"`
	RawName       string          `json:"raw_name"`
	NormalizedKey string          `json:"normalized_key"`
	Amount        decimal.Decimal `json:"amount"`
	Confidence    float64         `json:"confidence"`
	MappingID     *int64          `json:"mapping_id,omitempty"`
	NeedsReview   bool            `json:"needs_review"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Resolved reports whether the line has a mapping attached.
func (l *Line) Resolved() bool {
	return l.MappingID != nil
}
