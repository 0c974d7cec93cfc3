// Package pdfpage splits an input document into per-page units (text
// plus rendered image) for the analysis pipeline. Parsing the native
// byte format is delegated entirely to go-fitz.
package pdfpage

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"

	"github.com/gen2brain/go-fitz"

	"github.com/xuan1250/transfer2read/internal/types"
)

// Page is one input unit for the pipeline.
type Page struct {
	Number    int // 1-based
	Text      string
	ImageJPEG []byte
	Width     int
	Height    int
}

const jpegQuality = 85

// Split renders every page of the document at path into text plus a JPEG
// image. maxPages caps the document size; zero means no cap.
func Split(ctx context.Context, path string, maxPages int) ([]Page, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, &types.ValidationError{Message: fmt.Sprintf("cannot open document: %v", err)}
	}
	defer doc.Close()

	count := doc.NumPage()
	if count == 0 {
		return nil, &types.ValidationError{Message: "document has no pages"}
	}
	if maxPages > 0 && count > maxPages {
		return nil, &types.ValidationError{Message: fmt.Sprintf("document has %d pages, limit is %d", count, maxPages)}
	}

	pages := make([]Page, 0, count)
	for n := 0; n < count; n++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		text, err := doc.Text(n)
		if err != nil {
			return nil, &types.ValidationError{Message: fmt.Sprintf("cannot extract text from page %d: %v", n+1, err)}
		}

		img, err := doc.Image(n)
		if err != nil {
			return nil, &types.ValidationError{Message: fmt.Sprintf("cannot render page %d: %v", n+1, err)}
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return nil, fmt.Errorf("failed to encode page %d: %w", n+1, err)
		}

		bounds := img.Bounds()
		pages = append(pages, Page{
			Number:    n + 1,
			Text:      text,
			ImageJPEG: buf.Bytes(),
			Width:     bounds.Dx(),
			Height:    bounds.Dy(),
		})
	}
	return pages, nil
}
