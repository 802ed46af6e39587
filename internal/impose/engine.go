package impose

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rs/zerolog/log"
)

const (
	// ModeRaster renders every source page to an image at MinDPI and paints
	// it into its cell. Exact margin/gutter geometry, guaranteed DPI floor.
	ModeRaster = "raster"
	// ModeVector embeds source pages directly via pdfcpu n-up; pages stay
	// vector but spacing is approximated by pdfcpu's per-cell margin.
	ModeVector = "vector"
)

var (
	ErrEmptyBatch = errors.New("impose: no pages across all inputs")
	ErrOversize   = errors.New("impose: estimated memory exceeds configured ceiling")
)

// BadInputError names the first unreadable input of a batch.
type BadInputError struct {
	File string
	Err  error
}

func (e *BadInputError) Error() string {
	return fmt.Sprintf("impose: unreadable input %s: %v", filepath.Base(e.File), e.Err)
}

func (e *BadInputError) Unwrap() error { return e.Err }

// ProgressFunc reports pages placed so far out of the batch total.
type ProgressFunc func(done, total int)

// Engine converts a batch of input PDFs into one composite document.
type Engine struct {
	mode      string
	maxMemory int64 // bytes, 0 disables the ceiling
}

// NewEngine returns an engine using the given render mode ("raster" or
// "vector") and memory ceiling in bytes.
func NewEngine(mode string, maxMemory int64) *Engine {
	if mode != ModeVector {
		mode = ModeRaster
	}
	return &Engine{mode: mode, maxMemory: maxMemory}
}

// Result summarizes one composition.
type Result struct {
	Pages  int
	Sheets int
}

// Compose lays the pages of inputs (in input order, pages in document order)
// onto a grid of sheets described by layout and writes a single PDF to
// outPath. workDir holds intermediate artifacts and must be writable; the
// engine cleans up what it creates there. onProgress may be nil.
//
// No partial output is written on failure: a corrupt input aborts the whole
// batch with BadInputError naming the first bad file.
func (e *Engine) Compose(ctx context.Context, inputs []string, outPath, workDir string, layout LayoutConfig, onProgress ProgressFunc) (Result, error) {
	if layout.Columns <= 0 || layout.Rows <= 0 {
		return Result{}, fmt.Errorf("impose: invalid grid %dx%d", layout.Columns, layout.Rows)
	}

	counts, total, err := validateInputs(inputs)
	if err != nil {
		return Result{}, err
	}
	if total == 0 {
		return Result{}, ErrEmptyBatch
	}
	if err := e.checkMemory(inputs, layout); err != nil {
		return Result{}, err
	}

	res := Result{Pages: total, Sheets: layout.SheetCount(total)}
	log.Debug().Int("inputs", len(inputs)).Int("pages", total).Int("sheets", res.Sheets).
		Str("mode", e.mode).Msg("composing batch")

	switch e.mode {
	case ModeVector:
		err = e.composeVector(ctx, inputs, outPath, workDir, layout, total, onProgress)
	default:
		err = e.composeRaster(ctx, inputs, counts, outPath, workDir, layout, total, onProgress)
	}
	if err != nil {
		_ = os.Remove(outPath)
		return Result{}, err
	}
	return res, nil
}

// validateInputs opens every input up front so a bad file fails the batch
// before any rendering happens. Returns per-input page counts and the total.
func validateInputs(inputs []string) ([]int, int, error) {
	counts := make([]int, len(inputs))
	total := 0
	for i, in := range inputs {
		n, err := api.PageCountFile(in)
		if err != nil {
			return nil, 0, &BadInputError{File: in, Err: err}
		}
		counts[i] = n
		total += n
	}
	return counts, total, nil
}

// checkMemory estimates peak working-set size: one sheet canvas plus the
// largest single page raster at the configured DPI.
func (e *Engine) checkMemory(inputs []string, layout LayoutConfig) error {
	if e.maxMemory <= 0 {
		return nil
	}
	dpi := float64(layout.MinDPI)
	canvas := int64(mmToPx(layout.PageWidthMM, dpi)) * int64(mmToPx(layout.PageHeightMM, dpi)) * 4

	var largest int64
	for _, in := range inputs {
		dims, err := api.PageDimsFile(in)
		if err != nil {
			return &BadInputError{File: in, Err: err}
		}
		for _, d := range dims {
			// points → pixels at dpi
			px := int64(d.Width/72*dpi) * int64(d.Height/72*dpi) * 4
			if px > largest {
				largest = px
			}
		}
	}
	if canvas+largest > e.maxMemory {
		log.Warn().Int64("estimate", canvas+largest).Int64("ceiling", e.maxMemory).Msg("batch rejected by memory ceiling")
		return ErrOversize
	}
	return nil
}

// composeVector merges the inputs and imposes them with pdfcpu's grid n-up.
// pdfcpu only exposes a uniform per-cell margin, so the configured outer
// sheet margin cannot be reproduced here; the exact margin/gutter geometry
// holds in raster mode only.
func (e *Engine) composeVector(ctx context.Context, inputs []string, outPath, workDir string, layout LayoutConfig, total int, onProgress ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	merged := filepath.Join(workDir, "merged.pdf")
	defer os.Remove(merged)

	conf := model.NewDefaultConfiguration()
	if err := api.MergeCreateFile(inputs, merged, false, conf); err != nil {
		return &BadInputError{File: inputs[0], Err: err}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// pdfcpu applies its margin per cell, so half the gutter on each side
	// reproduces the configured spacing between neighbours.
	desc := fmt.Sprintf("formsize:A4, border:off, margin:%.2f", mmToPt(layout.GutterMM/2))
	nup, err := api.PDFGridConfig(layout.Rows, layout.Columns, desc, conf)
	if err != nil {
		return err
	}
	if err := api.NUpFile([]string{merged}, outPath, nil, nup, conf); err != nil {
		return err
	}
	if onProgress != nil {
		onProgress(total, total)
	}
	return nil
}

func mmToPt(mm float64) float64 { return mm / 25.4 * 72 }

func mmToPx(mm, dpi float64) int { return int(mm / 25.4 * dpi) }
