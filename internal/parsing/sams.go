package parsing

import "regexp"

// Sam's Club item rows lead with the item number, optionally preceded by a
// one-letter flag: [E] ITEMNO NAME PRICE [TAX CODE], e.g.
//
//	E 980082 MM PAPER TOWEL 19.98 T
//	123456 MM WATER 24PK 4.98 N
var samsLine = regexp.MustCompile(`^(?:[A-Z] )?(\d{3,14}) (.+?) \$?(\d{1,5}\.\d{2})(?: [A-Z]{1,2})?$`)

// NewSamsParser returns the Sam's Club layout parser.
func NewSamsParser() Parser {
	return &linePattern{
		store:      SamsClub,
		pattern:    samsLine,
		nameIndex:  2,
		priceIndex: 3,
		confidence: DefaultConfidence,
	}
}
