package scanning

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// PlainText implements Extractor for uploads that already are receipt text.
type PlainText struct{}

// NewPlainText creates a PlainText extractor
func NewPlainText() *PlainText {
	return &PlainText{}
}

// ExtractText returns the upload itself after cleanup.
func (p *PlainText) ExtractText(ctx context.Context, imageData []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrExtraction, err)
	}

	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	if mimeType != "" && !strings.HasPrefix(mimeType, "text/") && mimeType != "application/octet-stream" {
		return "", fmt.Errorf("%w: plain text extractor cannot read %s", ErrExtraction, mimeType)
	}
	if !utf8.Valid(imageData) {
		return "", fmt.Errorf("%w: upload is not valid UTF-8 text", ErrExtraction)
	}

	return cleanTranscript(string(imageData))
}

// Close is a no-op
func (p *PlainText) Close() error {
	return nil
}
