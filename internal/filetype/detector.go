package filetype

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// Kind is the admission class of an uploaded file.
type Kind string

const (
	KindPDF         Kind = "pdf"
	KindZIP         Kind = "zip"
	KindUnsupported Kind = "unsupported"
)

// Info contains detected file type information.
type Info struct {
	MIMEType  string
	Extension string
	Kind      Kind
}

// Detector classifies files using magic bytes, not the declared MIME type.
type Detector struct{}

// New creates a new file type detector.
func New() *Detector {
	return &Detector{}
}

// DetectFile detects the actual type of the file at path.
func (d *Detector) DetectFile(path string) (*Info, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}
	return d.classify(mtype.String(), mtype.Extension(), path), nil
}

// DetectReader detects the type from the head of a stream. The caller owns
// rewinding the reader afterwards.
func (d *Detector) DetectReader(r io.Reader, name string) (*Info, error) {
	mtype, err := mimetype.DetectReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}
	return d.classify(mtype.String(), mtype.Extension(), name), nil
}

func (d *Detector) classify(mimeType, extension, name string) *Info {
	info := &Info{MIMEType: mimeType, Extension: extension}

	switch {
	case mimeType == "application/pdf":
		info.Kind = KindPDF
	case mimeType == "application/zip" || strings.Contains(mimeType, "application/x-zip"):
		// Modern Office formats are ZIP containers too; only plain .zip is
		// admitted as an archive.
		ext := strings.ToLower(filepath.Ext(name))
		if ext == "" || ext == ".zip" {
			info.Kind = KindZIP
		} else {
			log.Debug().Str("ext", ext).Str("file", name).Msg("ZIP container with non-zip extension rejected")
			info.Kind = KindUnsupported
		}
	default:
		info.Kind = KindUnsupported
	}

	log.Debug().Str("mime", mimeType).Str("ext", extension).Str("kind", string(info.Kind)).Str("file", name).Msg("detected file type")
	return info
}
