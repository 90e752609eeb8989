package receipt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/receipt-ledger/internal/export"
	"github.com/zombor/receipt-ledger/internal/mapping"
	"github.com/zombor/receipt-ledger/internal/metrics"
	"github.com/zombor/receipt-ledger/internal/models"
	"github.com/zombor/receipt-ledger/internal/parsing"
	"github.com/zombor/receipt-ledger/internal/scanning"
	"github.com/zombor/receipt-ledger/internal/storage"
)

const (
	// DefaultAccount is used when neither the caption nor the user names one.
	DefaultAccount = "Cash"

	// DefaultExtractionTimeout bounds a single text extraction call.
	DefaultExtractionTimeout = 60 * time.Second
)

// IDGenerator generates unique names for stored images
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (defaultTimeSource) Now() time.Time {
	return time.Now()
}

// Options tunes a Service. Zero values fall back to the defaults.
type Options struct {
	DefaultAccount    string
	ExtractionTimeout time.Duration
}

// Service runs the receipt-to-ledger pipeline
type Service struct {
	store       storage.Store
	extractor   scanning.Extractor
	images      Storage
	resolver    *mapping.Resolver
	metrics     *metrics.Metrics
	opts        Options
	idGenerator IDGenerator
	timeSource  TimeSource
	locks       *sessionLocks
}

// NewService creates a new Service with uuid image names and the system clock
func NewService(store storage.Store, extractor scanning.Extractor, images Storage, m *metrics.Metrics, opts Options) *Service {
	return NewServiceWithDeps(store, extractor, images, m, opts, uuidGenerator{}, defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(store storage.Store, extractor scanning.Extractor, images Storage, m *metrics.Metrics, opts Options, idGen IDGenerator, timeSrc TimeSource) *Service {
	if opts.DefaultAccount == "" {
		opts.DefaultAccount = DefaultAccount
	}
	if opts.ExtractionTimeout <= 0 {
		opts.ExtractionTimeout = DefaultExtractionTimeout
	}

	return &Service{
		store:       store,
		extractor:   extractor,
		images:      images,
		resolver:    mapping.NewResolverWithClock(timeSrc),
		metrics:     m,
		opts:        opts,
		idGenerator: idGen,
		timeSource:  timeSrc,
		locks:       newSessionLocks(),
	}
}

// ProcessReceipt stores the image, opens a session and drives it as far as
// it can go without the user. An extraction failure leaves the session
// FAILED and returns its view together with an ErrExtraction error.
func (s *Service) ProcessReceipt(ctx context.Context, sub Submission) (*SessionView, error) {
	if strings.TrimSpace(sub.UserExternalID) == "" {
		return nil, fmt.Errorf("%w: user identity is required", ErrInvalidInput)
	}
	if len(sub.Data) == 0 {
		return nil, fmt.Errorf("%w: receipt image is empty", ErrInvalidInput)
	}

	imageRef, err := s.images.Save(imageName(s.idGenerator.Generate(), sub.Filename, sub.ContentType), sub.Data)
	if err != nil {
		return nil, fmt.Errorf("saving image: %w", err)
	}

	now := s.timeSource.Now()
	session := &models.Session{
		Status:      models.StatusProcessing,
		ReceiptDate: now,
		ImageRef:    imageRef,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.store.Update(ctx, func(tx storage.Tx) error {
		user, err := tx.GetOrCreateUser(strings.TrimSpace(sub.UserExternalID))
		if err != nil {
			return err
		}
		session.UserID = user.ID
		session.Account = s.accountFor(user, sub.Caption)
		return tx.CreateSession(session)
	})
	if err != nil {
		if delErr := s.images.Delete(imageRef); delErr != nil {
			slog.Warn("Failed to delete image", "image", imageRef, "error", delErr)
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}

	unlock := s.locks.lock(session.ID)
	defer unlock()

	logger := slog.With("session_id", session.ID, "user_id", session.UserID)
	logger.Info("Processing receipt",
		"account", session.Account,
		"image", imageRef,
		"content_type", sub.ContentType,
		"file_size", len(sub.Data),
	)

	text, err := s.extract(ctx, sub.Data, sub.ContentType)
	if err != nil {
		logger.Error("Failed to extract receipt text", "error", err)
		return s.fail(ctx, logger, session.ID), fmt.Errorf("extracting text for session %d: %w", session.ID, err)
	}

	// The extraction already happened; a disconnecting client must not leave
	// the session half recorded.
	ctx = context.WithoutCancel(ctx)

	kind, ok := parsing.Detect(text)
	if !ok {
		logger.Warn("Store not recognized")
		view, err := s.finish(ctx, session.ID, "", models.StatusAwaitingUser,
			models.ChooseStoreState(models.ReasonUnknownStore, ""))
		if err != nil {
			logger.Error("Failed to record unknown store", "error", err)
			return s.fail(ctx, logger, session.ID), err
		}
		s.metrics.ReceiptsProcessed.WithLabelValues(metrics.OutcomeUnknownStore).Inc()
		return view, nil
	}

	items, err := parseItems(kind, text)
	if errors.Is(err, parsing.ErrParseFailure) {
		logger.Warn("No line items found", "store", kind)
		view, err := s.finish(ctx, session.ID, string(kind), models.StatusAwaitingUser,
			models.ChooseStoreState(models.ReasonParseFailure, string(kind)))
		if err != nil {
			logger.Error("Failed to record parse failure", "error", err)
			return s.fail(ctx, logger, session.ID), err
		}
		s.metrics.ReceiptsProcessed.WithLabelValues(metrics.OutcomeParseFailure).Inc()
		return view, nil
	}
	if err != nil {
		logger.Error("Failed to parse receipt", "store", kind, "error", err)
		return s.fail(ctx, logger, session.ID), err
	}

	view, err := s.recordLines(ctx, session, kind, items)
	if err != nil {
		logger.Error("Failed to record lines", "error", err)
		return s.fail(ctx, logger, session.ID), err
	}

	outcome := metrics.OutcomeDone
	if view.Unresolved > 0 {
		outcome = metrics.OutcomeAwaitingUser
	}
	s.metrics.ReceiptsProcessed.WithLabelValues(outcome).Inc()
	s.metrics.LinesParsed.WithLabelValues(string(kind)).Add(float64(len(items)))
	s.metrics.LinesResolved.WithLabelValues(metrics.SourceAuto).Add(float64(len(items) - view.Unresolved))

	logger.Info("Receipt processed",
		"store", kind,
		"lines", len(items),
		"unresolved", view.Unresolved,
		"status", view.Session.Status,
	)
	return view, nil
}

func parseItems(kind parsing.StoreKind, text string) ([]parsing.LineItem, error) {
	parser, err := parsing.ForStore(kind)
	if err != nil {
		return nil, fmt.Errorf("selecting parser: %w", err)
	}
	items, err := parser.Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parsing receipt: %w", err)
	}
	return items, nil
}

// fail moves a session that cannot make progress to FAILED. It runs even
// when ctx is cancelled and returns nil if the session could not be updated.
func (s *Service) fail(ctx context.Context, logger *slog.Logger, sessionID int64) *SessionView {
	s.metrics.ReceiptsProcessed.WithLabelValues(metrics.OutcomeFailed).Inc()

	view, err := s.finish(context.WithoutCancel(ctx), sessionID, "", models.StatusFailed, models.IdleState())
	if err != nil {
		logger.Error("Failed to mark session failed", "error", err)
		return nil
	}
	return view
}

// extract runs the extractor under the configured timeout and gives up when
// the deadline passes even if the backend ignores ctx.
func (s *Service) extract(ctx context.Context, data []byte, contentType string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.ExtractionTimeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)

	started := time.Now()
	go func() {
		text, err := s.extractor.ExtractText(ctx, data, contentType)
		done <- result{text: text, err: err}
	}()

	var r result
	select {
	case r = <-done:
	case <-ctx.Done():
		r.err = ctx.Err()
	}
	s.metrics.ObserveExtraction(started)

	if r.err != nil {
		if !errors.Is(r.err, scanning.ErrExtraction) {
			return "", fmt.Errorf("%w: %w", scanning.ErrExtraction, r.err)
		}
		return "", r.err
	}
	return r.text, nil
}

// recordLines persists parsed items, resolving each against the user's
// mappings, and moves the session to DONE or AWAITING_USER in the same
// transaction.
func (s *Service) recordLines(ctx context.Context, session *models.Session, kind parsing.StoreKind, items []parsing.LineItem) (*SessionView, error) {
	var view *SessionView
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		if err := tx.SetSessionStore(session.ID, string(kind)); err != nil {
			return err
		}

		now := s.timeSource.Now()
		var unresolved []*models.Line
		for _, item := range items {
			key := mapping.Normalize(item.Name)
			resolution, err := s.resolver.Lookup(tx, session.UserID, key)
			if err != nil {
				return err
			}

			line := &models.Line{
				SessionID:     session.ID,
				RawName:       item.Name,
				NormalizedKey: key,
				Amount:        item.Amount,
				Confidence:    item.Confidence,
				MappingID:     resolution.MappingID(),
				NeedsReview:   !resolution.Resolved(),
				CreatedAt:     now,
			}
			if err := tx.AddLine(line); err != nil {
				return fmt.Errorf("adding line %q: %w", item.Name, err)
			}
			if !resolution.Resolved() {
				unresolved = append(unresolved, line)
			}
		}

		status, state := models.StatusDone, models.IdleState()
		if len(unresolved) > 0 {
			status = models.StatusAwaitingUser
			state = models.ResolveLineState(unresolved[0].ID, len(unresolved))
		}
		if err := transition(tx, session.ID, status); err != nil {
			return err
		}
		if err := tx.SetState(session.ID, state); err != nil {
			return err
		}

		var err error
		view, err = loadView(tx, session.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("recording lines for session %d: %w", session.ID, err)
	}
	return view, nil
}

// finish applies a terminal or waiting outcome that records no lines.
func (s *Service) finish(ctx context.Context, sessionID int64, store string, status models.Status, state models.SessionState) (*SessionView, error) {
	var view *SessionView
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		if store != "" {
			if err := tx.SetSessionStore(sessionID, store); err != nil {
				return err
			}
		}
		if err := transition(tx, sessionID, status); err != nil {
			return err
		}
		if err := tx.SetState(sessionID, state); err != nil {
			return err
		}

		var err error
		view, err = loadView(tx, sessionID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("updating session %d: %w", sessionID, err)
	}
	return view, nil
}

// ResolveLine records the user's categorization of one unresolved line,
// attaches it, and completes the session when nothing else is unresolved.
func (s *Service) ResolveLine(ctx context.Context, req Resolution) (*SessionView, error) {
	category := strings.TrimSpace(req.Category)
	subcategory := strings.TrimSpace(req.Subcategory)
	if category == "" || subcategory == "" {
		return nil, fmt.Errorf("%w: category and subcategory are required", ErrInvalidInput)
	}
	if strings.ContainsAny(category+subcategory+req.CanonicalName, "\t\r\n") {
		return nil, fmt.Errorf("%w: names must not contain tabs or line breaks", ErrInvalidInput)
	}

	userID, err := s.userID(ctx, req.UserExternalID)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.lock(req.SessionID)
	defer unlock()

	var (
		view      *SessionView
		mappingID int64
	)
	err = s.store.Update(ctx, func(tx storage.Tx) error {
		session, err := ownedSession(tx, userID, req.SessionID)
		if err != nil {
			return err
		}

		line, err := tx.GetLine(req.LineID)
		if err != nil {
			return err
		}
		if line.SessionID != session.ID {
			return fmt.Errorf("%w: line %d in session %d", models.ErrNotFound, line.ID, session.ID)
		}
		if line.Resolved() {
			return fmt.Errorf("%w: line %d", models.ErrAlreadyResolved, line.ID)
		}
		if session.Status != models.StatusAwaitingUser {
			return fmt.Errorf("%w: session %d is %s", models.ErrInvalidTransition, session.ID, session.Status)
		}

		canonicalName := strings.TrimSpace(req.CanonicalName)
		if canonicalName == "" {
			canonicalName = line.RawName
		}
		mappingID, err = s.resolver.Upsert(tx, userID, line.NormalizedKey, canonicalName, category, subcategory)
		if err != nil {
			return err
		}
		if err := tx.SetLineMapping(line.ID, mappingID); err != nil {
			return err
		}

		unresolved, err := tx.UnresolvedLines(session.ID)
		if err != nil {
			return err
		}
		state := models.IdleState()
		if len(unresolved) == 0 {
			if err := transition(tx, session.ID, models.StatusDone); err != nil {
				return err
			}
		} else {
			state = models.ResolveLineState(unresolved[0].ID, len(unresolved))
		}
		if err := tx.SetState(session.ID, state); err != nil {
			return err
		}

		view, err = loadView(tx, session.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("resolving line %d: %w", req.LineID, err)
	}

	s.metrics.LinesResolved.WithLabelValues(metrics.SourceUser).Inc()
	slog.Info("Line resolved",
		"session_id", req.SessionID,
		"line_id", req.LineID,
		"mapping_id", mappingID,
		"remaining", view.Unresolved,
		"status", view.Session.Status,
	)
	return view, nil
}

// Export renders a DONE session as a Money Manager TSV file.
func (s *Service) Export(ctx context.Context, userExternalID string, sessionID int64) ([]byte, error) {
	userID, err := s.userID(ctx, userExternalID)
	if err != nil {
		return nil, err
	}

	var data []byte
	err = s.store.View(ctx, func(tx storage.Tx) error {
		session, err := ownedSession(tx, userID, sessionID)
		if err != nil {
			return err
		}
		lines, err := tx.ListLines(session.ID)
		if err != nil {
			return err
		}
		data, err = export.TSV(session, lines, tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("exporting session %d: %w", sessionID, err)
	}

	s.metrics.Exports.Inc()
	return data, nil
}

// GetSession returns a session owned by the user.
func (s *Service) GetSession(ctx context.Context, userExternalID string, sessionID int64) (*SessionView, error) {
	userID, err := s.userID(ctx, userExternalID)
	if err != nil {
		return nil, err
	}

	var view *SessionView
	err = s.store.View(ctx, func(tx storage.Tx) error {
		if _, err := ownedSession(tx, userID, sessionID); err != nil {
			return err
		}
		var err error
		view, err = loadView(tx, sessionID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("getting session %d: %w", sessionID, err)
	}
	return view, nil
}

// GetImage returns the stored receipt image of a session.
func (s *Service) GetImage(ctx context.Context, userExternalID string, sessionID int64) ([]byte, error) {
	userID, err := s.userID(ctx, userExternalID)
	if err != nil {
		return nil, err
	}

	var ref string
	err = s.store.View(ctx, func(tx storage.Tx) error {
		session, err := ownedSession(tx, userID, sessionID)
		if err != nil {
			return err
		}
		ref = session.ImageRef
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("getting session %d: %w", sessionID, err)
	}

	data, err := s.images.Get(ref)
	if err != nil {
		return nil, fmt.Errorf("getting image for session %d: %w", sessionID, err)
	}
	return data, nil
}

// SetDefaultAccount stores the account used for the user's future receipts.
func (s *Service) SetDefaultAccount(ctx context.Context, userExternalID, account string) (*models.User, error) {
	account = strings.TrimSpace(account)
	if account == "" {
		return nil, fmt.Errorf("%w: account is required", ErrInvalidInput)
	}
	if strings.TrimSpace(userExternalID) == "" {
		return nil, fmt.Errorf("%w: user identity is required", ErrInvalidInput)
	}

	var user *models.User
	err := s.store.Update(ctx, func(tx storage.Tx) error {
		created, err := tx.GetOrCreateUser(strings.TrimSpace(userExternalID))
		if err != nil {
			return err
		}
		if err := tx.SetDefaultAccount(created.ID, account); err != nil {
			return err
		}
		user, err = tx.GetUser(created.ID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("setting default account: %w", err)
	}

	slog.Info("Default account set", "user_id", user.ID, "account", account)
	return user, nil
}

// userID finds a known caller. Read paths never create users; an unknown
// caller owns nothing and gets ErrNotFound.
func (s *Service) userID(ctx context.Context, externalID string) (int64, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return 0, fmt.Errorf("%w: user identity is required", ErrInvalidInput)
	}

	var id int64
	err := s.store.View(ctx, func(tx storage.Tx) error {
		user, err := tx.FindUser(externalID)
		if err != nil {
			return err
		}
		id = user.ID
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("getting user: %w", err)
	}
	return id, nil
}

// accountFor picks the caption override, then the user's default, then the
// configured default.
func (s *Service) accountFor(user *models.User, caption string) string {
	if account, ok := ParseAccountOverride(caption); ok {
		return account
	}
	if user.DefaultAccount != "" {
		return user.DefaultAccount
	}
	return s.opts.DefaultAccount
}

// ownedSession hides sessions of other users behind ErrNotFound.
func ownedSession(tx storage.Tx, userID, sessionID int64) (*models.Session, error) {
	session, err := tx.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, fmt.Errorf("%w: session %d", models.ErrNotFound, sessionID)
	}
	return session, nil
}

func transition(tx storage.Tx, sessionID int64, next models.Status) error {
	session, err := tx.GetSession(sessionID)
	if err != nil {
		return err
	}
	if err := session.Status.Transition(next); err != nil {
		return err
	}
	return tx.SetSessionStatus(sessionID, next)
}

func loadView(tx storage.Tx, sessionID int64) (*SessionView, error) {
	session, err := tx.GetSession(sessionID)
	if err != nil {
		return nil, err
	}
	lines, err := tx.ListLines(sessionID)
	if err != nil {
		return nil, err
	}
	state, err := tx.GetState(sessionID)
	if err != nil {
		return nil, err
	}

	unresolved := 0
	for _, line := range lines {
		if !line.Resolved() {
			unresolved++
		}
	}
	return &SessionView{Session: session, Lines: lines, Unresolved: unresolved, State: state}, nil
}

var safeExtension = regexp.MustCompile(`^\.[a-z0-9]{1,5}$`)

// imageName builds a stored file name from id and the best known extension.
func imageName(id, filename, contentType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if safeExtension.MatchString(ext) {
		return id + ext
	}

	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return id
	}
	switch mediaType {
	case "image/jpeg":
		return id + ".jpg"
	case "image/png":
		return id + ".png"
	case "image/gif":
		return id + ".gif"
	case "image/heic":
		return id + ".heic"
	case "image/heif":
		return id + ".heif"
	case "application/pdf":
		return id + ".pdf"
	case "text/plain":
		return id + ".txt"
	default:
		return id
	}
}
