package filetype

import (
	"archive/zip"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pdfBytes() []byte {
	return []byte("%PDF-1.4\n1 0 obj<</Type/Catalog>>endobj\n%%EOF\n")
}

func zipBytes(t *testing.T) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("a.pdf")
	require.NoError(t, err)
	_, err = w.Write(pdfBytes())
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestDetectPDF(t *testing.T) {
	d := New()
	info, err := d.DetectReader(bytes.NewReader(pdfBytes()), "invoice.pdf")
	require.NoError(t, err)
	assert.Equal(t, KindPDF, info.Kind)
	assert.Equal(t, "application/pdf", info.MIMEType)
}

func TestDetectPDFByContentNotName(t *testing.T) {
	d := New()
	// renamed file still classifies by magic bytes
	info, err := d.DetectReader(bytes.NewReader(pdfBytes()), "invoice.txt")
	require.NoError(t, err)
	assert.Equal(t, KindPDF, info.Kind)
}

func TestDetectZIP(t *testing.T) {
	d := New()
	info, err := d.DetectReader(bytes.NewReader(zipBytes(t)), "batch.zip")
	require.NoError(t, err)
	assert.Equal(t, KindZIP, info.Kind)
}

func TestRejectOfficeContainer(t *testing.T) {
	d := New()
	// ZIP payload behind an Office extension is not an archive upload
	info, err := d.DetectReader(bytes.NewReader(zipBytes(t)), "report.docx")
	require.NoError(t, err)
	assert.Equal(t, KindUnsupported, info.Kind)
}

func TestDetectUnsupported(t *testing.T) {
	d := New()
	info, err := d.DetectReader(bytes.NewReader([]byte("hello, plain text")), "note.pdf")
	require.NoError(t, err)
	assert.Equal(t, KindUnsupported, info.Kind)
}
