package scanning

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"  // Register GIF decoder
	_ "image/jpeg" // Register JPEG decoder
	"image/png"
	"strings"

	"github.com/gen2brain/go-fitz"
	"github.com/gen2brain/heic"
)

// imageFormat is the container a receipt upload arrived in.
type imageFormat int

const (
	formatRaster imageFormat = iota // anything image.Decode understands
	formatPNG
	formatPDF
	formatHEIC
)

var (
	pngMagic = []byte("\x89PNG\r\n\x1a\n")
	pdfMagic = []byte("%PDF-")
)

// heicBrands are the ftyp brands used by HEIC/HEIF files (common on iPhones)
var heicBrands = map[string]bool{"heic": true, "heix": true, "heif": true, "mif1": true, "msf1": true}

// detectFormat sniffs magic bytes first and falls back to the declared type.
func detectFormat(data []byte, contentType string) imageFormat {
	switch {
	case bytes.HasPrefix(data, pdfMagic):
		return formatPDF
	case bytes.HasPrefix(data, pngMagic):
		return formatPNG
	case len(data) >= 12 && string(data[4:8]) == "ftyp" && heicBrands[string(data[8:12])]:
		return formatHEIC
	}

	mimeType := strings.ToLower(strings.TrimSpace(contentType))
	switch {
	case mimeType == "application/pdf":
		return formatPDF
	case strings.Contains(mimeType, "heic"), strings.Contains(mimeType, "heif"):
		return formatHEIC
	}
	return formatRaster
}

// prepareImageData converts an upload to PNG for the vision backends.
// The boolean reports whether a conversion happened.
func prepareImageData(imageData []byte, contentType string) ([]byte, bool, error) {
	var (
		img image.Image
		err error
	)

	switch detectFormat(imageData, contentType) {
	case formatPNG:
		return imageData, false, nil
	case formatPDF:
		img, err = renderFirstPage(imageData)
		if err != nil {
			return nil, false, fmt.Errorf("converting PDF to image: %w", err)
		}
	case formatHEIC:
		img, err = heic.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, false, fmt.Errorf("decoding HEIC/HEIF image: %w", err)
		}
	default:
		img, _, err = image.Decode(bytes.NewReader(imageData))
		if err != nil {
			return nil, false, fmt.Errorf("unsupported image format (supported: JPEG, PNG, GIF, HEIC, HEIF, PDF): %w", err)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, false, fmt.Errorf("encoding PNG: %w", err)
	}
	return buf.Bytes(), true, nil
}

// renderFirstPage rasterizes page one of a PDF; receipts are single page.
func renderFirstPage(pdfData []byte) (image.Image, error) {
	doc, err := fitz.NewFromMemory(pdfData)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer doc.Close()

	img, err := doc.Image(0)
	if err != nil {
		return nil, fmt.Errorf("rendering PDF page: %w", err)
	}
	return img, nil
}
