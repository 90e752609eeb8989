package export

import (
	"bytes"
	"errors"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/zombor/receipt-ledger/internal/models"
)

// mockMappings is a map-backed MappingSource
type mockMappings map[int64]*models.ItemMapping

func (m mockMappings) GetMapping(id int64) (*models.ItemMapping, error) {
	mapping, ok := m[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return mapping, nil
}

func mappingID(id int64) *int64 {
	return &id
}

var _ = Describe("WriteTSV", func() {
	var (
		session  *models.Session
		lines    []*models.Line
		mappings mockMappings
		buf      *bytes.Buffer
		err      error
	)

	BeforeEach(func() {
		session = &models.Session{
			ID:          1,
			Account:     "Cash",
			ReceiptDate: time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC),
			Status:      models.StatusDone,
		}
		mappings = mockMappings{
			10: {ID: 10, Category: "Groceries", Subcategory: "Produce", CanonicalName: "Bananas"},
			11: {ID: 11, Category: "Household", Subcategory: "Paper", CanonicalName: "Towels"},
		}
		lines = []*models.Line{
			{ID: 100, RawName: "BANANA 2LB", Amount: decimal.RequireFromString("3.49"), MappingID: mappingID(10)},
		}
		buf = &bytes.Buffer{}
	})

	JustBeforeEach(func() {
		err = WriteTSV(buf, session, lines, mappings)
	})

	When("every line is resolved", func() {
		It("should not return an error", func() {
			Expect(err).NotTo(HaveOccurred())
		})

		It("writes the exact import format", func() {
			Expect(buf.String()).To(Equal(
				"Date\tAccount\tCategory\tSubcategory\tNote\tAmount\tIncome/Expense\tDescription\n" +
					"01/02/2024\tCash\tGroceries\tProduce\tBANANA 2LB\t3.49\tExpense\t\n",
			))
		})
	})

	When("the session has several lines", func() {
		BeforeEach(func() {
			lines = append(lines, &models.Line{
				ID: 101, RawName: "MM PAPER TOWEL", Amount: decimal.RequireFromString("19.9"), MappingID: mappingID(11),
			})
		})

		It("writes one row per line in order with cents", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(buf.String()).To(HaveSuffix(
				"01/02/2024\tCash\tGroceries\tProduce\tBANANA 2LB\t3.49\tExpense\t\n" +
					"01/02/2024\tCash\tHousehold\tPaper\tMM PAPER TOWEL\t19.90\tExpense\t\n",
			))
		})

		It("uses the raw item name, not the canonical name", func() {
			Expect(buf.String()).NotTo(ContainSubstring("Towels"))
		})
	})

	When("names carry quotes or leading spaces", func() {
		BeforeEach(func() {
			lines = []*models.Line{
				{ID: 100, RawName: `GV 12" PIZZA`, Amount: decimal.RequireFromString("3.50"), MappingID: mappingID(10)},
				{ID: 101, RawName: ` "BIG" BOX`, Amount: decimal.RequireFromString("1.00"), MappingID: mappingID(11)},
			}
		})

		It("writes them verbatim", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(buf.String()).To(HaveSuffix(
				"01/02/2024\tCash\tGroceries\tProduce\tGV 12\" PIZZA\t3.50\tExpense\t\n" +
					"01/02/2024\tCash\tHousehold\tPaper\t \"BIG\" BOX\t1.00\tExpense\t\n",
			))
		})
	})

	When("a field contains a tab or line break", func() {
		BeforeEach(func() {
			mappings[10].Category = "Food\tDrink"
			lines[0].RawName = "BANANA\r\n2LB"
		})

		It("keeps one record per line", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(buf.String()).To(HaveSuffix("01/02/2024\tCash\tFood Drink\tProduce\tBANANA  2LB\t3.49\tExpense\t\n"))
			Expect(strings.Count(buf.String(), "\n")).To(Equal(2))
		})
	})

	When("a line is unresolved", func() {
		BeforeEach(func() {
			lines = append(lines, &models.Line{ID: 101, RawName: "MYSTERY", Amount: decimal.RequireFromString("1.00")})
		})

		It("returns ErrExport", func() {
			Expect(err).To(MatchError(ErrExport))
		})

		It("writes nothing", func() {
			Expect(buf.Len()).To(BeZero())
		})
	})

	When("the session is not done", func() {
		BeforeEach(func() {
			session.Status = models.StatusAwaitingUser
		})

		It("returns ErrExport and writes nothing", func() {
			Expect(err).To(MatchError(ErrExport))
			Expect(buf.Len()).To(BeZero())
		})
	})

	When("a mapping is missing", func() {
		BeforeEach(func() {
			delete(mappings, 10)
		})

		It("returns ErrExport wrapping the store error", func() {
			Expect(err).To(MatchError(ErrExport))
			Expect(errors.Is(err, models.ErrNotFound)).To(BeTrue())
			Expect(buf.Len()).To(BeZero())
		})
	})
})

var _ = Describe("TSV", func() {
	It("returns the rendered bytes", func() {
		id := int64(1)
		out, err := TSV(
			&models.Session{Status: models.StatusDone, Account: "Card", ReceiptDate: time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)},
			[]*models.Line{{RawName: "X", Amount: decimal.NewFromInt(2), MappingID: &id}},
			mockMappings{1: {ID: 1, Category: "A", Subcategory: "B"}},
		)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(out)).To(HaveSuffix("12/31/2023\tCard\tA\tB\tX\t2.00\tExpense\t\n"))
	})
})
