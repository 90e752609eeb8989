package parsing

import "regexp"

// Walmart item rows: NAME [UPC [FLAG]] PRICE [TAX CODE], e.g.
//
//	BANANAS 000000004011 KF 1.23 N
//	GV WHOLE MILK 007874235187 3.48 X
var walmartLine = regexp.MustCompile(`^(.+?) (?:\d{8,14} (?:[A-Z]{1,2} )?)?\$?(\d{1,5}\.\d{2})(?: [A-Z]{1,2})?$`)

// NewWalmartParser returns the Walmart layout parser.
func NewWalmartParser() Parser {
	return &linePattern{
		store:      Walmart,
		pattern:    walmartLine,
		nameIndex:  1,
		priceIndex: 2,
		confidence: DefaultConfidence,
	}
}
