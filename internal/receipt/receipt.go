package receipt

import (
	"errors"

	"github.com/zombor/receipt-ledger/internal/models"
)

// ErrInvalidInput is returned when a request is missing required fields.
var ErrInvalidInput = errors.New("invalid input")

// Submission is one receipt image sent by a user.
type Submission struct {
	UserExternalID string
	Filename       string
	Data           []byte
	ContentType    string
	// Caption is free text that may carry an account=<value> override
	Caption string
}

// Resolution is a user's answer for one unresolved line.
type Resolution struct {
	UserExternalID string
	SessionID      int64
	LineID         int64
	Category       string
	Subcategory    string
	// CanonicalName defaults to the line's raw name when empty
	CanonicalName string
}

// SessionView is a session with its lines and resolution progress.
type SessionView struct {
	Session    *models.Session     `json:"session"`
	Lines      []*models.Line      `json:"lines"`
	Unresolved int                 `json:"unresolved"`
	State      models.SessionState `json:"state"`
}
