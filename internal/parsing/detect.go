// Package parsing detects the store a receipt came from and extracts priced
// line items from its OCR text.
package parsing

import "strings"

// StoreKind identifies a supported receipt layout.
type StoreKind string

const (
	Unknown  StoreKind = ""
	Walmart  StoreKind = "WALMART"
	SamsClub StoreKind = "SAMS"
)

type storeMarker struct {
	kind  StoreKind
	token string
}

// markers are checked in order; the first hit wins. The Sam's variants cover
// the apostrophe forms OCR tends to produce, including UTF-8 read as cp1252.
var markers = []storeMarker{
	{Walmart, "WALMART"},
	{Walmart, "WAL*MART"},
	{Walmart, "WAL-MART"},
	{SamsClub, "SAM'S"},
	{SamsClub, "SAM’S"},
	{SamsClub, "SAMâ€™S"},
	{SamsClub, "SAMS CLUB"},
	{SamsClub, "SAMSCLUB"},
}

// Detect classifies raw OCR text. ok is false when no known store marker is
// present; that is an expected outcome, not a failure.
func Detect(text string) (kind StoreKind, ok bool) {
	upper := strings.ToUpper(text)
	for _, m := range markers {
		if strings.Contains(upper, strings.ToUpper(m.token)) {
			return m.kind, true
		}
	}
	return Unknown, false
}
