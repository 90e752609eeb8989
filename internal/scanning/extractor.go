package scanning

import (
	"context"
	"errors"
)

// ErrExtraction is returned when a backend cannot produce text for an image.
// Callers treat it as retryable.
var ErrExtraction = errors.New("text extraction failed")

// Extractor turns a receipt image into its raw printed text.
type Extractor interface {
	// ExtractText transcribes imageData. The returned text keeps the
	// receipt's line breaks.
	ExtractText(ctx context.Context, imageData []byte, contentType string) (string, error)
	// Close releases backend resources
	Close() error
}

// transcriptionPrompt is the shared prompt used by all LLM providers
const transcriptionPrompt = `You are transcribing a retail store receipt. Read every printed line of the receipt from top to bottom and output it exactly as printed.

Rules:
- Output one receipt line per line of text, in the order they appear
- Keep item codes, prices, tax flags and store names exactly as printed
- Keep the store header (for example "Walmart" or "Sam's Club") if it is visible
- Do not summarize, translate, correct spelling, or add commentary
- Do not use markdown code blocks
- If the image is not a receipt or is unreadable, output nothing`
