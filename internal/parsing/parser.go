package parsing

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownStore is returned when no parser exists for a store kind.
	ErrUnknownStore = errors.New("unknown store")

	// ErrParseFailure is returned when text does not look like the expected
	// layout and no line items could be extracted.
	ErrParseFailure = errors.New("no line items found")
)

// DefaultConfidence is assigned to every heuristically extracted line.
const DefaultConfidence = 0.7

// LineItem is one priced line extracted from a receipt.
type LineItem struct {
	Name       string
	Amount     decimal.Decimal
	Confidence float64
}

// Parser extracts line items from OCR text for one store layout.
type Parser interface {
	Parse(text string) ([]LineItem, error)
}

// ForStore returns the parser for kind.
func ForStore(kind StoreKind) (Parser, error) {
	switch kind {
	case Walmart:
		return NewWalmartParser(), nil
	case SamsClub:
		return NewSamsParser(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStore, string(kind))
	}
}

var (
	spaceRun  = regexp.MustCompile(`\s+`)
	hasLetter = regexp.MustCompile(`[A-Za-z]`)

	// summaryLine matches totals, tenders, multi-buy pricing ("2 AT 1 FOR 0.98")
	// and other non-item rows.
	summaryLine = regexp.MustCompile(`(?i)\b(SUB\s*-?\s*TOTAL|TOTAL|TAX|TEND|TENDERED|CHANGE|CASH|DEBIT|CREDIT|VISA|MASTERCARD|AMEX|DISCOVER|BALANCE|ITEMS\s+SOLD|SAVINGS|PAYMENT|APPROVED|REFUND|COUPON|\d+\s+AT\s+\d+\s+FOR)\b`)
)

// linePattern is a store layout: a regexp over a whitespace-collapsed line
// with the submatch indexes of the item name and the price.
type linePattern struct {
	store      StoreKind
	pattern    *regexp.Regexp
	nameIndex  int
	priceIndex int
	confidence float64
}

func (p *linePattern) Parse(text string) ([]LineItem, error) {
	var items []LineItem
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(spaceRun.ReplaceAllString(raw, " "))
		if line == "" {
			continue
		}

		m := p.pattern.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		name := strings.TrimSpace(m[p.nameIndex])
		if !hasLetter.MatchString(name) || strings.Contains(name, "@") || summaryLine.MatchString(name) {
			continue
		}

		amount, err := decimal.NewFromString(m[p.priceIndex])
		if err != nil || !amount.IsPositive() {
			continue
		}

		items = append(items, LineItem{
			Name:       name,
			Amount:     amount,
			Confidence: p.confidence,
		})
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("%w in %s receipt", ErrParseFailure, p.store)
	}
	return items, nil
}
