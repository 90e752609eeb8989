package receipt

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zombor/receipt-ledger/internal/export"
	"github.com/zombor/receipt-ledger/internal/metrics"
	"github.com/zombor/receipt-ledger/internal/models"
	"github.com/zombor/receipt-ledger/internal/scanning"
	"github.com/zombor/receipt-ledger/internal/storage"
	"github.com/zombor/receipt-ledger/internal/storage/bolt"
)

var _ = Describe("Service", func() {
	var (
		ctx       context.Context
		db        *bolt.DB
		store     storage.Store
		extractor *mockExtractor
		images    *mockStorage
		m         *metrics.Metrics
		opts      Options
		clock     *mockTimeSource
		service   *Service
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		db, err = bolt.Open(filepath.Join(GinkgoT().TempDir(), "ledger.db"))
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(db.Close)
		store = db

		extractor = newMockExtractor(walmartText)
		images = newMockStorage()
		m = metrics.New(prometheus.NewRegistry())
		opts = Options{}
		clock = &mockTimeSource{now: time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)}
	})

	JustBeforeEach(func() {
		service = NewServiceWithDeps(store, extractor, images, m, opts, &mockIDGenerator{prefix: "img-"}, clock)
	})

	submit := func(user, caption string) (*SessionView, error) {
		return service.ProcessReceipt(ctx, Submission{
			UserExternalID: user,
			Filename:       "IMG_0001.JPG",
			Data:           []byte("jpeg bytes"),
			ContentType:    "image/jpeg",
			Caption:        caption,
		})
	}

	resolve := func(user string, view *SessionView, line *models.Line, category, subcategory string) (*SessionView, error) {
		return service.ResolveLine(ctx, Resolution{
			UserExternalID: user,
			SessionID:      view.Session.ID,
			LineID:         line.ID,
			Category:       category,
			Subcategory:    subcategory,
		})
	}

	Describe("ProcessReceipt", func() {
		var (
			view *SessionView
			err  error
		)

		JustBeforeEach(func() {
			view, err = submit("alice", "")
		})

		When("no item has been categorized before", func() {
			It("waits for the user with every line unresolved", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(view.Session.Status).To(Equal(models.StatusAwaitingUser))
				Expect(view.Session.Store).To(Equal("WALMART"))
				Expect(view.Lines).To(HaveLen(3))
				Expect(view.Unresolved).To(Equal(3))
				for _, line := range view.Lines {
					Expect(line.Resolved()).To(BeFalse())
					Expect(line.NeedsReview).To(BeTrue())
				}
			})

			It("records raw names, normalized keys and amounts in receipt order", func() {
				Expect(view.Lines[0].RawName).To(Equal("BANANAS"))
				Expect(view.Lines[1].RawName).To(Equal("GV WHOLE MILK"))
				Expect(view.Lines[1].NormalizedKey).To(Equal("gv whole milk"))
				Expect(view.Lines[2].Amount.StringFixed(2)).To(Equal("4.12"))
			})

			It("points the state at the first unresolved line", func() {
				Expect(view.State).To(Equal(models.ResolveLineState(view.Lines[0].ID, 3)))
			})

			It("stamps the receipt date, account and image", func() {
				Expect(view.Session.ReceiptDate).To(BeTemporally("==", clock.now))
				Expect(view.Session.Account).To(Equal(DefaultAccount))
				Expect(view.Session.ImageRef).To(Equal("img-1.jpg"))
				Expect(images.files).To(HaveKeyWithValue("img-1.jpg", []byte("jpeg bytes")))
			})

			It("counts the outcome", func() {
				Expect(testutil.ToFloat64(m.ReceiptsProcessed.WithLabelValues(metrics.OutcomeAwaitingUser))).To(Equal(1.0))
				Expect(testutil.ToFloat64(m.LinesParsed.WithLabelValues("WALMART"))).To(Equal(3.0))
			})
		})

		When("some items have been categorized before", func() {
			var milkMapping int64

			BeforeEach(func() {
				Expect(db.Update(ctx, func(tx storage.Tx) error {
					user, err := tx.GetOrCreateUser("alice")
					if err != nil {
						return err
					}
					milkMapping, err = tx.UpsertMapping(&models.ItemMapping{
						UserID:        user.ID,
						NormalizedKey: "gv whole milk",
						CanonicalName: "Milk",
						Category:      "Groceries",
						Subcategory:   "Dairy",
						CreatedAt:     clock.now,
						UpdatedAt:     clock.now,
					})
					return err
				})).To(Succeed())
			})

			It("waits only for the unknown lines", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(view.Session.Status).To(Equal(models.StatusAwaitingUser))
				Expect(view.Lines).To(HaveLen(3))
				Expect(view.Unresolved).To(Equal(2))
			})

			It("attaches the learned mapping", func() {
				milk := view.Lines[1]
				Expect(milk.RawName).To(Equal("GV WHOLE MILK"))
				Expect(milk.MappingID).To(HaveValue(Equal(milkMapping)))
				Expect(milk.NeedsReview).To(BeFalse())

				Expect(view.Lines[0].Resolved()).To(BeFalse())
				Expect(view.Lines[2].Resolved()).To(BeFalse())
			})

			It("points the state at the first unresolved line", func() {
				Expect(view.State).To(Equal(models.ResolveLineState(view.Lines[0].ID, 2)))
			})

			It("counts the automatic resolution", func() {
				Expect(testutil.ToFloat64(m.LinesResolved.WithLabelValues(metrics.SourceAuto))).To(Equal(1.0))
			})
		})

		When("the store is not recognized", func() {
			BeforeEach(func() {
				extractor.text = "CORNER MARKET\nAPPLES 1.00"
			})

			It("waits for a store choice with no lines", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(view.Session.Status).To(Equal(models.StatusAwaitingUser))
				Expect(view.Session.Store).To(BeEmpty())
				Expect(view.Lines).To(BeEmpty())
				Expect(view.State).To(Equal(models.ChooseStoreState(models.ReasonUnknownStore, "")))
				Expect(testutil.ToFloat64(m.ReceiptsProcessed.WithLabelValues(metrics.OutcomeUnknownStore))).To(Equal(1.0))
			})
		})

		When("the store is recognized but nothing parses", func() {
			BeforeEach(func() {
				extractor.text = "WALMART\nThank you for shopping"
			})

			It("waits for a store choice and keeps the detected store", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(view.Session.Status).To(Equal(models.StatusAwaitingUser))
				Expect(view.Session.Store).To(Equal("WALMART"))
				Expect(view.Lines).To(BeEmpty())
				Expect(view.State).To(Equal(models.ChooseStoreState(models.ReasonParseFailure, "WALMART")))
			})
		})

		When("text extraction fails", func() {
			BeforeEach(func() {
				extractor.err = errors.New("backend unavailable")
			})

			It("returns a retryable extraction error", func() {
				Expect(err).To(MatchError(scanning.ErrExtraction))
				Expect(err.Error()).To(ContainSubstring("backend unavailable"))
			})

			It("marks the session FAILED", func() {
				Expect(view).NotTo(BeNil())
				Expect(view.Session.Status).To(Equal(models.StatusFailed))
				Expect(view.Lines).To(BeEmpty())
				Expect(testutil.ToFloat64(m.ReceiptsProcessed.WithLabelValues(metrics.OutcomeFailed))).To(Equal(1.0))
			})
		})

		When("text extraction exceeds the timeout", func() {
			BeforeEach(func() {
				extractor.delay = 500 * time.Millisecond
				opts.ExtractionTimeout = 20 * time.Millisecond
			})

			It("gives up and marks the session FAILED", func() {
				Expect(err).To(MatchError(scanning.ErrExtraction))
				Expect(err).To(MatchError(context.DeadlineExceeded))
				Expect(view.Session.Status).To(Equal(models.StatusFailed))
			})
		})

		When("recording the lines fails", func() {
			BeforeEach(func() {
				store = &flakyStore{Store: db, beforeUpdate: func(call int) error {
					if call == 2 {
						return errors.New("disk I/O error")
					}
					return nil
				}}
			})

			It("returns the error and marks the session FAILED", func() {
				Expect(err).To(MatchError(ContainSubstring("disk I/O error")))
				Expect(view).NotTo(BeNil())
				Expect(view.Session.Status).To(Equal(models.StatusFailed))
				Expect(view.Lines).To(BeEmpty())

				stored, getErr := service.GetSession(ctx, "alice", view.Session.ID)
				Expect(getErr).NotTo(HaveOccurred())
				Expect(stored.Session.Status).To(Equal(models.StatusFailed))
				Expect(testutil.ToFloat64(m.ReceiptsProcessed.WithLabelValues(metrics.OutcomeFailed))).To(Equal(1.0))
				Expect(testutil.ToFloat64(m.ReceiptsProcessed.WithLabelValues(metrics.OutcomeAwaitingUser))).To(BeZero())
			})
		})

		When("recording an unknown store fails", func() {
			BeforeEach(func() {
				extractor.text = "CORNER MARKET\nAPPLES 1.00"
				store = &flakyStore{Store: db, beforeUpdate: func(call int) error {
					if call == 2 {
						return errors.New("disk I/O error")
					}
					return nil
				}}
			})

			It("marks the session FAILED", func() {
				Expect(err).To(HaveOccurred())
				Expect(view.Session.Status).To(Equal(models.StatusFailed))
				Expect(view.State.Stage).To(Equal(models.StageIdle))
			})
		})

		When("the caller goes away after extraction", func() {
			BeforeEach(func() {
				var cancel context.CancelFunc
				ctx, cancel = context.WithCancel(ctx)
				DeferCleanup(cancel)
				store = &flakyStore{Store: db, beforeUpdate: func(call int) error {
					if call == 2 {
						cancel()
					}
					return nil
				}}
			})

			It("still records the receipt", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(view.Session.Status).To(Equal(models.StatusAwaitingUser))
				Expect(view.Lines).To(HaveLen(3))
			})
		})

		When("the image cannot be saved", func() {
			BeforeEach(func() {
				images.saveErr = errors.New("disk full")
			})

			It("returns the error without creating a session", func() {
				Expect(err).To(MatchError(ContainSubstring("disk full")))
				Expect(view).To(BeNil())
				Expect(extractor.calls).To(BeZero())
			})
		})
	})

	Describe("ProcessReceipt input validation", func() {
		It("requires image data", func() {
			_, err := service.ProcessReceipt(ctx, Submission{UserExternalID: "alice"})
			Expect(err).To(MatchError(ErrInvalidInput))
		})

		It("requires a user", func() {
			_, err := service.ProcessReceipt(ctx, Submission{Data: []byte("x")})
			Expect(err).To(MatchError(ErrInvalidInput))
		})
	})

	Describe("account selection", func() {
		It("prefers the caption override", func() {
			_, err := service.SetDefaultAccount(ctx, "alice", "Debit")
			Expect(err).NotTo(HaveOccurred())

			view, err := submit("alice", "account=Visa")
			Expect(err).NotTo(HaveOccurred())
			Expect(view.Session.Account).To(Equal("Visa"))
		})

		It("falls back to the user's default account", func() {
			user, err := service.SetDefaultAccount(ctx, "alice", " Debit ")
			Expect(err).NotTo(HaveOccurred())
			Expect(user.DefaultAccount).To(Equal("Debit"))

			view, err := submit("alice", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(view.Session.Account).To(Equal("Debit"))
		})

		When("a configured default exists", func() {
			BeforeEach(func() {
				opts.DefaultAccount = "Wallet"
			})

			It("uses it for users without one", func() {
				view, err := submit("bob", "")
				Expect(err).NotTo(HaveOccurred())
				Expect(view.Session.Account).To(Equal("Wallet"))
			})
		})

		It("rejects an empty account", func() {
			_, err := service.SetDefaultAccount(ctx, "alice", "  ")
			Expect(err).To(MatchError(ErrInvalidInput))
		})
	})

	Describe("ResolveLine", func() {
		var view *SessionView

		JustBeforeEach(func() {
			var err error
			view, err = submit("alice", "")
			Expect(err).NotTo(HaveOccurred())
		})

		It("moves to DONE exactly on the last resolution", func() {
			categories := [][2]string{{"Groceries", "Produce"}, {"Groceries", "Dairy"}, {"Groceries", "Dairy"}}
			lines := view.Lines

			for i, line := range lines {
				next, err := resolve("alice", view, line, categories[i][0], categories[i][1])
				Expect(err).NotTo(HaveOccurred())

				remaining := len(lines) - i - 1
				Expect(next.Unresolved).To(Equal(remaining))
				if remaining > 0 {
					Expect(next.Session.Status).To(Equal(models.StatusAwaitingUser))
					Expect(next.State).To(Equal(models.ResolveLineState(lines[i+1].ID, remaining)))
				} else {
					Expect(next.Session.Status).To(Equal(models.StatusDone))
					Expect(next.State.Stage).To(Equal(models.StageIdle))
				}
			}

			Expect(testutil.ToFloat64(m.LinesResolved.WithLabelValues(metrics.SourceUser))).To(Equal(3.0))
		})

		It("refuses to resolve a line twice", func() {
			_, err := resolve("alice", view, view.Lines[0], "Groceries", "Produce")
			Expect(err).NotTo(HaveOccurred())

			_, err = resolve("alice", view, view.Lines[0], "Groceries", "Fruit")
			Expect(err).To(MatchError(models.ErrAlreadyResolved))
		})

		It("requires category and subcategory", func() {
			_, err := resolve("alice", view, view.Lines[0], "Groceries", " ")
			Expect(err).To(MatchError(ErrInvalidInput))
		})

		It("rejects names that would break the export", func() {
			_, err := resolve("alice", view, view.Lines[0], "Food\tDrink", "Produce")
			Expect(err).To(MatchError(ErrInvalidInput))

			_, err = service.ResolveLine(ctx, Resolution{
				UserExternalID: "alice",
				SessionID:      view.Session.ID,
				LineID:         view.Lines[0].ID,
				Category:       "Groceries",
				Subcategory:    "Produce",
				CanonicalName:  "Bananas\nOrganic",
			})
			Expect(err).To(MatchError(ErrInvalidInput))
		})

		It("hides sessions of other users", func() {
			_, err := resolve("mallory", view, view.Lines[0], "Groceries", "Produce")
			Expect(err).To(MatchError(models.ErrNotFound))
		})

		It("rejects lines from another session", func() {
			other, err := submit("alice", "")
			Expect(err).NotTo(HaveOccurred())

			_, err = resolve("alice", view, other.Lines[0], "Groceries", "Produce")
			Expect(err).To(MatchError(models.ErrNotFound))
		})

		It("reports unknown lines", func() {
			_, err := resolve("alice", view, &models.Line{ID: 9999}, "Groceries", "Produce")
			Expect(err).To(MatchError(models.ErrNotFound))
		})

		It("applies learned mappings to later receipts only", func() {
			for _, line := range view.Lines {
				_, err := resolve("alice", view, line, "Groceries", "Food")
				Expect(err).NotTo(HaveOccurred())
			}

			second, err := submit("alice", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(second.Session.Status).To(Equal(models.StatusDone))
			Expect(second.Unresolved).To(BeZero())
			Expect(testutil.ToFloat64(m.LinesResolved.WithLabelValues(metrics.SourceAuto))).To(Equal(3.0))

			thirdForBob, err := submit("bob", "")
			Expect(err).NotTo(HaveOccurred())
			Expect(thirdForBob.Session.Status).To(Equal(models.StatusAwaitingUser))
			Expect(thirdForBob.Unresolved).To(Equal(3))
		})

		It("serializes concurrent resolutions of one session", func() {
			var (
				wg       sync.WaitGroup
				mu       sync.Mutex
				statuses []models.Status
			)
			for _, line := range view.Lines {
				wg.Add(1)
				go func(line *models.Line) {
					defer GinkgoRecover()
					defer wg.Done()
					next, err := resolve("alice", view, line, "Groceries", "Food")
					Expect(err).NotTo(HaveOccurred())
					mu.Lock()
					statuses = append(statuses, next.Session.Status)
					mu.Unlock()
				}(line)
			}
			wg.Wait()

			Expect(statuses).To(HaveLen(3))
			Expect(statuses).To(ContainElement(models.StatusDone))
			done := 0
			for _, status := range statuses {
				if status == models.StatusDone {
					done++
				}
			}
			Expect(done).To(Equal(1))

			final, err := service.GetSession(ctx, "alice", view.Session.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(final.Session.Status).To(Equal(models.StatusDone))
		})
	})

	Describe("Export", func() {
		var view *SessionView

		JustBeforeEach(func() {
			var err error
			view, err = submit("alice", "")
			Expect(err).NotTo(HaveOccurred())
		})

		It("refuses while lines are unresolved", func() {
			data, err := service.Export(ctx, "alice", view.Session.ID)
			Expect(err).To(MatchError(export.ErrExport))
			Expect(data).To(BeNil())
			Expect(testutil.ToFloat64(m.Exports)).To(BeZero())
		})

		It("renders every line once the session is DONE", func() {
			subcategories := []string{"Produce", "Dairy", "Dairy"}
			for i, line := range view.Lines {
				_, err := resolve("alice", view, line, "Groceries", subcategories[i])
				Expect(err).NotTo(HaveOccurred())
			}

			data, err := service.Export(ctx, "alice", view.Session.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(string(data)).To(Equal(
				"Date\tAccount\tCategory\tSubcategory\tNote\tAmount\tIncome/Expense\tDescription\n" +
					"01/02/2024\tCash\tGroceries\tProduce\tBANANAS\t1.23\tExpense\t\n" +
					"01/02/2024\tCash\tGroceries\tDairy\tGV WHOLE MILK\t3.48\tExpense\t\n" +
					"01/02/2024\tCash\tGroceries\tDairy\tEGGS LG 18CT\t4.12\tExpense\t\n",
			))
			Expect(testutil.ToFloat64(m.Exports)).To(Equal(1.0))
		})

		It("hides sessions of other users", func() {
			_, err := service.Export(ctx, "bob", view.Session.ID)
			Expect(err).To(MatchError(models.ErrNotFound))
		})
	})

	Describe("GetSession and GetImage", func() {
		It("returns the session and its stored image", func() {
			view, err := submit("alice", "")
			Expect(err).NotTo(HaveOccurred())

			got, err := service.GetSession(ctx, "alice", view.Session.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Session.ID).To(Equal(view.Session.ID))
			Expect(got.Lines).To(HaveLen(3))

			data, err := service.GetImage(ctx, "alice", view.Session.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(Equal([]byte("jpeg bytes")))
		})

		It("reports missing sessions", func() {
			_, err := service.GetSession(ctx, "alice", 404)
			Expect(err).To(MatchError(models.ErrNotFound))
		})

		It("does not register unknown callers", func() {
			view, err := submit("alice", "")
			Expect(err).NotTo(HaveOccurred())

			_, err = service.GetSession(ctx, "stranger", view.Session.ID)
			Expect(err).To(MatchError(models.ErrNotFound))
			_, err = service.GetImage(ctx, "stranger", view.Session.ID)
			Expect(err).To(MatchError(models.ErrNotFound))
			_, err = service.Export(ctx, "stranger", view.Session.ID)
			Expect(err).To(MatchError(models.ErrNotFound))

			Expect(db.View(ctx, func(tx storage.Tx) error {
				_, err := tx.FindUser("stranger")
				return err
			})).To(MatchError(models.ErrNotFound))
		})
	})
})

var _ = DescribeTable("imageName",
	func(filename, contentType, expected string) {
		Expect(imageName("id", filename, contentType)).To(Equal(expected))
	},
	Entry("keeps a sane extension", "IMG_0001.JPG", "image/jpeg", "id.jpg"),
	Entry("falls back to the content type", "photo", "image/heic", "id.heic"),
	Entry("ignores content type parameters", "", "text/plain; charset=utf-8", "id.txt"),
	Entry("drops odd extensions", "receipt.j p g", "application/pdf", "id.pdf"),
	Entry("leaves unknown types bare", "", "application/octet-stream", "id"),
)
