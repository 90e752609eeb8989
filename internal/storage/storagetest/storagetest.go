// Package storagetest holds Ginkgo specs every storage.Store backend must pass.
package storagetest

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/models"
	"github.com/zombor/receipt-ledger/internal/storage"
)

// Opener creates an empty store rooted in dir.
type Opener func(dir string) (storage.Store, error)

// DescribeStore registers the storage contract specs for a backend.
func DescribeStore(name string, open Opener) bool {
	return Describe(name+" storage contract", func() {
		var (
			ctx   context.Context
			store storage.Store
			now   time.Time
		)

		BeforeEach(func() {
			ctx = context.Background()
			now = time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
			var err error
			store, err = open(GinkgoT().TempDir())
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			if store != nil {
				store.Close()
			}
		})

		update := func(fn func(tx storage.Tx)) {
			Expect(store.Update(ctx, func(tx storage.Tx) error {
				fn(tx)
				return nil
			})).To(Succeed())
		}

		newUser := func(tx storage.Tx, externalID string) int64 {
			user, err := tx.GetOrCreateUser(externalID)
			Expect(err).NotTo(HaveOccurred())
			return user.ID
		}

		newSession := func(tx storage.Tx, userID int64) *models.Session {
			s := &models.Session{
				UserID:      userID,
				Account:     "Cash",
				ReceiptDate: now,
				Status:      models.StatusProcessing,
				ImageRef:    "receipt.jpg",
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			Expect(tx.CreateSession(s)).To(Succeed())
			return s
		}

		newLine := func(tx storage.Tx, sessionID int64, name string) *models.Line {
			l := &models.Line{
				SessionID:     sessionID,
				RawName:       name,
				NormalizedKey: name,
				Amount:        decimal.RequireFromString("3.49"),
				Confidence:    0.7,
				NeedsReview:   true,
				CreatedAt:     now,
			}
			Expect(tx.AddLine(l)).To(Succeed())
			return l
		}

		newMapping := func(tx storage.Tx, userID int64, key, category string) int64 {
			id, err := tx.UpsertMapping(&models.ItemMapping{
				UserID:        userID,
				NormalizedKey: key,
				CanonicalName: key,
				Category:      category,
				Subcategory:   "Sub",
				CreatedAt:     now,
				UpdatedAt:     now,
			})
			Expect(err).NotTo(HaveOccurred())
			return id
		}

		Describe("users", func() {
			It("creates a user on first contact and returns it afterwards", func() {
				update(func(tx storage.Tx) {
					first, err := tx.GetOrCreateUser("tg-42")
					Expect(err).NotTo(HaveOccurred())
					second, err := tx.GetOrCreateUser("tg-42")
					Expect(err).NotTo(HaveOccurred())
					Expect(second.ID).To(Equal(first.ID))
					Expect(second.ExternalID).To(Equal("tg-42"))
					Expect(second.DefaultAccount).To(BeEmpty())
				})
			})

			It("stores the default account", func() {
				update(func(tx storage.Tx) {
					user, err := tx.GetOrCreateUser("tg-42")
					Expect(err).NotTo(HaveOccurred())
					Expect(tx.SetDefaultAccount(user.ID, "Debit")).To(Succeed())
					reloaded, err := tx.GetUser(user.ID)
					Expect(err).NotTo(HaveOccurred())
					Expect(reloaded.DefaultAccount).To(Equal("Debit"))
				})
			})

			It("finds users without creating them", func() {
				update(func(tx storage.Tx) {
					_, err := tx.FindUser("stranger")
					Expect(err).To(MatchError(models.ErrNotFound))

					id := newUser(tx, "tg-42")
					found, err := tx.FindUser("tg-42")
					Expect(err).NotTo(HaveOccurred())
					Expect(found.ID).To(Equal(id))
				})

				Expect(store.View(ctx, func(tx storage.Tx) error {
					_, err := tx.FindUser("stranger")
					Expect(err).To(MatchError(models.ErrNotFound))
					return nil
				})).To(Succeed())
			})

			It("reports missing users", func() {
				update(func(tx storage.Tx) {
					_, err := tx.GetUser(999)
					Expect(err).To(MatchError(models.ErrNotFound))
					Expect(tx.SetDefaultAccount(999, "Cash")).To(MatchError(models.ErrNotFound))
				})
			})
		})

		Describe("mappings", func() {
			It("returns the just-written values", func() {
				update(func(tx storage.Tx) {
					alice := newUser(tx, "alice")
					id := newMapping(tx, alice, "banana", "Groceries")
					m, err := tx.FindMapping(alice, "banana")
					Expect(err).NotTo(HaveOccurred())
					Expect(m.ID).To(Equal(id))
					Expect(m.Category).To(Equal("Groceries"))
					Expect(m.Subcategory).To(Equal("Sub"))
				})
			})

			It("overwrites on a second upsert without duplicating", func() {
				update(func(tx storage.Tx) {
					alice := newUser(tx, "alice")
					first := newMapping(tx, alice, "banana", "Groceries")
					later := now.Add(time.Hour)
					second, err := tx.UpsertMapping(&models.ItemMapping{
						UserID: alice, NormalizedKey: "banana", CanonicalName: "Bananas",
						Category: "Fruit", Subcategory: "Yellow", CreatedAt: later, UpdatedAt: later,
					})
					Expect(err).NotTo(HaveOccurred())
					Expect(second).To(Equal(first))

					m, err := tx.GetMapping(first)
					Expect(err).NotTo(HaveOccurred())
					Expect(m.CanonicalName).To(Equal("Bananas"))
					Expect(m.Category).To(Equal("Fruit"))
					Expect(m.Subcategory).To(Equal("Yellow"))
					Expect(m.UpdatedAt).To(BeTemporally("==", later))
					Expect(m.CreatedAt).To(BeTemporally("==", now))
				})
			})

			It("isolates users", func() {
				update(func(tx storage.Tx) {
					alice := newUser(tx, "alice")
					bob := newUser(tx, "bob")
					newMapping(tx, alice, "banana", "Groceries")
					_, err := tx.FindMapping(bob, "banana")
					Expect(err).To(MatchError(models.ErrNotFound))
				})
			})
		})

		Describe("sessions", func() {
			It("creates, reads and updates a session", func() {
				update(func(tx storage.Tx) {
					s := newSession(tx, newUser(tx, "alice"))
					Expect(s.ID).NotTo(BeZero())

					Expect(tx.SetSessionStore(s.ID, "WALMART")).To(Succeed())
					Expect(tx.SetSessionStatus(s.ID, models.StatusAwaitingUser)).To(Succeed())

					got, err := tx.GetSession(s.ID)
					Expect(err).NotTo(HaveOccurred())
					Expect(got.Store).To(Equal("WALMART"))
					Expect(got.Status).To(Equal(models.StatusAwaitingUser))
					Expect(got.Account).To(Equal("Cash"))
					Expect(got.ImageRef).To(Equal("receipt.jpg"))
					Expect(got.ReceiptDate).To(BeTemporally("==", now))
				})
			})

			It("reports missing sessions", func() {
				update(func(tx storage.Tx) {
					_, err := tx.GetSession(404)
					Expect(err).To(MatchError(models.ErrNotFound))
					Expect(tx.SetSessionStatus(404, models.StatusDone)).To(MatchError(models.ErrNotFound))
					Expect(tx.SetSessionStore(404, "SAMS")).To(MatchError(models.ErrNotFound))
				})
			})
		})

		Describe("lines", func() {
			It("lists lines in insertion order per session", func() {
				update(func(tx storage.Tx) {
					a := newSession(tx, newUser(tx, "alice"))
					b := newSession(tx, newUser(tx, "alice"))
					newLine(tx, a.ID, "first")
					newLine(tx, b.ID, "other")
					newLine(tx, a.ID, "second")
					newLine(tx, a.ID, "third")

					lines, err := tx.ListLines(a.ID)
					Expect(err).NotTo(HaveOccurred())
					Expect(lines).To(HaveLen(3))
					Expect(lines[0].RawName).To(Equal("first"))
					Expect(lines[1].RawName).To(Equal("second"))
					Expect(lines[2].RawName).To(Equal("third"))
					Expect(lines[0].Amount.StringFixed(2)).To(Equal("3.49"))
					Expect(lines[0].Confidence).To(Equal(0.7))
				})
			})

			It("attaches a mapping exactly once", func() {
				update(func(tx storage.Tx) {
					s := newSession(tx, newUser(tx, "alice"))
					l := newLine(tx, s.ID, "banana")
					mappingID := newMapping(tx, newUser(tx, "alice"), "banana", "Groceries")

					unresolved, err := tx.UnresolvedLines(s.ID)
					Expect(err).NotTo(HaveOccurred())
					Expect(unresolved).To(HaveLen(1))

					Expect(tx.SetLineMapping(l.ID, mappingID)).To(Succeed())
					Expect(tx.SetLineMapping(l.ID, mappingID)).To(MatchError(models.ErrAlreadyResolved))

					got, err := tx.GetLine(l.ID)
					Expect(err).NotTo(HaveOccurred())
					Expect(got.MappingID).To(HaveValue(Equal(mappingID)))
					Expect(got.NeedsReview).To(BeFalse())

					unresolved, err = tx.UnresolvedLines(s.ID)
					Expect(err).NotTo(HaveOccurred())
					Expect(unresolved).To(BeEmpty())
				})
			})

			It("stores lines that arrive already resolved", func() {
				update(func(tx storage.Tx) {
					s := newSession(tx, newUser(tx, "alice"))
					mappingID := newMapping(tx, newUser(tx, "alice"), "milk", "Groceries")
					l := &models.Line{
						SessionID: s.ID, RawName: "MILK", NormalizedKey: "milk",
						Amount: decimal.RequireFromString("3.48"), MappingID: &mappingID, CreatedAt: now,
					}
					Expect(tx.AddLine(l)).To(Succeed())
					got, err := tx.GetLine(l.ID)
					Expect(err).NotTo(HaveOccurred())
					Expect(got.Resolved()).To(BeTrue())
				})
			})

			It("reports missing lines, sessions and mappings", func() {
				update(func(tx storage.Tx) {
					_, err := tx.GetLine(404)
					Expect(err).To(MatchError(models.ErrNotFound))
					Expect(tx.AddLine(&models.Line{SessionID: 404, Amount: decimal.Zero})).To(MatchError(models.ErrNotFound))

					s := newSession(tx, newUser(tx, "alice"))
					l := newLine(tx, s.ID, "x")
					Expect(tx.SetLineMapping(l.ID, 404)).To(MatchError(models.ErrNotFound))
					Expect(tx.SetLineMapping(404, 1)).To(MatchError(models.ErrNotFound))
				})
			})
		})

		Describe("session state", func() {
			It("defaults to idle", func() {
				Expect(store.View(ctx, func(tx storage.Tx) error {
					state, err := tx.GetState(1)
					Expect(err).NotTo(HaveOccurred())
					Expect(state.Stage).To(Equal(models.StageIdle))
					return nil
				})).To(Succeed())
			})

			It("keeps the last write", func() {
				update(func(tx storage.Tx) {
					s := newSession(tx, newUser(tx, "alice"))
					Expect(tx.SetState(s.ID, models.ChooseStoreState(models.ReasonUnknownStore, ""))).To(Succeed())
					Expect(tx.SetState(s.ID, models.ResolveLineState(9, 3))).To(Succeed())

					state, err := tx.GetState(s.ID)
					Expect(err).NotTo(HaveOccurred())
					Expect(state).To(Equal(models.ResolveLineState(9, 3)))
				})
			})

			It("rejects malformed states", func() {
				update(func(tx storage.Tx) {
					s := newSession(tx, newUser(tx, "alice"))
					Expect(tx.SetState(s.ID, models.SessionState{Stage: models.StageResolveLine})).To(HaveOccurred())
				})
			})
		})

		Describe("transactions", func() {
			It("rolls back every write when the function fails", func() {
				boom := errors.New("boom")
				var sessionID int64
				err := store.Update(ctx, func(tx storage.Tx) error {
					s := newSession(tx, newUser(tx, "alice"))
					sessionID = s.ID
					newLine(tx, s.ID, "banana")
					return boom
				})
				Expect(err).To(MatchError(boom))

				Expect(store.View(ctx, func(tx storage.Tx) error {
					_, err := tx.GetSession(sessionID)
					Expect(err).To(MatchError(models.ErrNotFound))
					lines, err := tx.ListLines(sessionID)
					Expect(err).NotTo(HaveOccurred())
					Expect(lines).To(BeEmpty())
					return nil
				})).To(Succeed())
			})

			It("refuses to start on a cancelled context", func() {
				cancelled, cancel := context.WithCancel(ctx)
				cancel()
				err := store.Update(cancelled, func(tx storage.Tx) error { return nil })
				Expect(err).To(MatchError(context.Canceled))
			})
		})
	})
}
