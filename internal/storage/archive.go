package storage

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

var (
	ErrBadArchive = errors.New("storage: unreadable zip archive")
	ErrZipSlip    = errors.New("storage: zip entry escapes extraction root")
	ErrZipBomb    = errors.New("storage: zip expansion exceeds configured ceiling")
)

// ExtractArchive expands the ZIP at path into the task's temp directory and
// returns the extracted PDF paths in archive order. Only entries with a
// .pdf suffix (case-insensitive) are admitted; everything else is silently
// dropped. Entries whose sanitized path would escape the temp root are
// refused (ZIP-slip), as is any archive whose decompressed size exceeds the
// absolute or per-entry ratio ceiling (ZIP-bomb).
func (m *Manager) ExtractArchive(path, task string) ([]string, error) {
	dir, err := m.TempDir(task)
	if err != nil {
		return nil, err
	}

	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadArchive, filepath.Base(path))
	}
	defer zr.Close()

	if m.limits.ZipMaxEntries > 0 && len(zr.File) > m.limits.ZipMaxEntries {
		return nil, ErrZipBomb
	}

	var (
		out   []string
		total int64
	)
	for i, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !strings.EqualFold(filepath.Ext(f.Name), ".pdf") {
			log.Debug().Str("entry", f.Name).Msg("skipping non-pdf archive entry")
			continue
		}

		// Slip guard: the raw entry path must stay under dir once cleaned.
		clean := filepath.Clean(strings.ReplaceAll(f.Name, "\\", "/"))
		if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
			return nil, ErrZipSlip
		}
		joined := filepath.Join(dir, clean)
		if joined != dir && !strings.HasPrefix(joined, dir+string(os.PathSeparator)) {
			return nil, ErrZipSlip
		}

		// Bomb guards: absolute total and per-entry compression ratio.
		usize := int64(f.UncompressedSize64)
		total += usize
		if m.limits.ZipMaxBytes > 0 && total > m.limits.ZipMaxBytes {
			return nil, ErrZipBomb
		}
		if m.limits.ZipMaxRatio > 0 && f.CompressedSize64 > 0 {
			if usize/int64(f.CompressedSize64) > m.limits.ZipMaxRatio {
				return nil, ErrZipBomb
			}
		}

		safe, err := SanitizeName(filepath.Base(clean))
		if err != nil {
			log.Debug().Str("entry", f.Name).Msg("skipping archive entry with unsafe name")
			continue
		}
		dst := filepath.Join(dir, fmt.Sprintf("%d-%s", i, safe))
		if err := m.extractEntry(f, dst, usize); err != nil {
			return nil, err
		}
		out = append(out, dst)
	}

	log.Debug().Str("archive", filepath.Base(path)).Int("pdfs", len(out)).Int64("bytes", total).Msg("archive extracted")
	return out, nil
}

func (m *Manager) extractEntry(f *zip.File, dst string, declared int64) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadArchive, f.Name)
	}
	defer rc.Close()

	w, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer w.Close()

	// The header size is attacker-controlled; enforce it while copying so a
	// lying header cannot blow past the ceiling.
	limit := declared
	if m.limits.ZipMaxBytes > 0 && limit > m.limits.ZipMaxBytes {
		limit = m.limits.ZipMaxBytes
	}
	n, err := io.Copy(w, io.LimitReader(rc, limit+1))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadArchive, f.Name)
	}
	if n > declared {
		return ErrZipBomb
	}
	return nil
}
