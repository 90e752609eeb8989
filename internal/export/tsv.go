// Package export renders resolved receipt sessions as Money Manager import
// files.
package export

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/zombor/receipt-ledger/internal/models"
)

// ErrExport is returned when a session cannot be exported as a whole.
var ErrExport = errors.New("export failed")

const (
	// DateLayout is the receipt date format the import tool expects.
	DateLayout = "01/02/2006"

	expenseLabel = "Expense"
)

// MappingSource resolves a line's mapping reference.
type MappingSource interface {
	GetMapping(id int64) (*models.ItemMapping, error)
}

// row is one ledger record. Column order and header names are fixed by the
// import tool.
type row struct {
	Date          string `csv:"Date"`
	Account       string `csv:"Account"`
	Category      string `csv:"Category"`
	Subcategory   string `csv:"Subcategory"`
	Note          string `csv:"Note"`
	Amount        string `csv:"Amount"`
	IncomeExpense string `csv:"Income/Expense"`
	Description   string `csv:"Description"`
}

// WriteTSV writes one tab-separated record per line of a DONE session. It
// writes nothing unless every line is resolved.
func WriteTSV(w io.Writer, session *models.Session, lines []*models.Line, mappings MappingSource) error {
	if session.Status != models.StatusDone {
		return fmt.Errorf("%w: session %d is %s", ErrExport, session.ID, session.Status)
	}

	rows := make([]*row, 0, len(lines))
	for _, line := range lines {
		if !line.Resolved() {
			return fmt.Errorf("%w: line %d (%q) is unresolved", ErrExport, line.ID, line.RawName)
		}
		mapping, err := mappings.GetMapping(*line.MappingID)
		if err != nil {
			return fmt.Errorf("%w: mapping for line %d: %w", ErrExport, line.ID, err)
		}
		rows = append(rows, &row{
			Date:          session.ReceiptDate.Format(DateLayout),
			Account:       session.Account,
			Category:      mapping.Category,
			Subcategory:   mapping.Subcategory,
			Note:          line.RawName,
			Amount:        line.Amount.StringFixed(2),
			IncomeExpense: expenseLabel,
		})
	}

	var buf bytes.Buffer
	if err := gocsv.MarshalCSV(rows, newTabWriter(&buf)); err != nil {
		return fmt.Errorf("%w: encoding rows: %w", ErrExport, err)
	}

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("writing export: %w", err)
	}
	return nil
}

// TSV is WriteTSV into a byte slice.
func TSV(session *models.Session, lines []*models.Line, mappings MappingSource) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteTSV(&buf, session, lines, mappings); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fieldBreaks would split a record; they become spaces.
var fieldBreaks = strings.NewReplacer("\t", " ", "\r", " ", "\n", " ")

// tabWriter is a gocsv.CSVWriter that joins fields with tabs and writes them
// verbatim. The import tool does not understand CSV quoting.
type tabWriter struct {
	w   *bufio.Writer
	err error
}

func newTabWriter(w io.Writer) *tabWriter {
	return &tabWriter{w: bufio.NewWriter(w)}
}

func (t *tabWriter) Write(record []string) error {
	if t.err != nil {
		return t.err
	}
	for i, field := range record {
		if i > 0 {
			if t.err = t.w.WriteByte('\t'); t.err != nil {
				return t.err
			}
		}
		if _, t.err = t.w.WriteString(fieldBreaks.Replace(field)); t.err != nil {
			return t.err
		}
	}
	t.err = t.w.WriteByte('\n')
	return t.err
}

func (t *tabWriter) Flush() {
	if t.err == nil {
		t.err = t.w.Flush()
	}
}

func (t *tabWriter) Error() error {
	return t.err
}
