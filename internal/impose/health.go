package impose

import (
	"fmt"

	fitz "github.com/gen2brain/go-fitz"
)

// probePDF is a minimal single-page document used to exercise the renderer.
// MuPDF repairs the xref on open, so the offsets need not be exact.
var probePDF = []byte("%PDF-1.4\n" +
	"1 0 obj<</Type/Catalog/Pages 2 0 R>>endobj\n" +
	"2 0 obj<</Type/Pages/Kids[3 0 R]/Count 1>>endobj\n" +
	"3 0 obj<</Type/Page/Parent 2 0 R/MediaBox[0 0 595 842]>>endobj\n" +
	"trailer<</Root 1 0 R/Size 4>>\n" +
	"%%EOF\n")

// Healthy verifies the rendering backend can open and page-count a
// document. Used by the health endpoint.
func (e *Engine) Healthy() error {
	doc, err := fitz.NewFromMemory(probePDF)
	if err != nil {
		return fmt.Errorf("renderer probe: %w", err)
	}
	defer doc.Close()
	if doc.NumPage() < 1 {
		return fmt.Errorf("renderer probe: no pages")
	}
	return nil
}
