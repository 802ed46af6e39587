package impose

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"os"
	"path/filepath"

	fitz "github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/rs/zerolog/log"
	xdraw "golang.org/x/image/draw"
)

const sheetJPEGQuality = 90

// composeRaster renders every page at the layout's DPI floor, scales it into
// its cell and assembles the finished sheet images into the output PDF.
// Cancellation is checked between pages.
func (e *Engine) composeRaster(ctx context.Context, inputs []string, counts []int, outPath, workDir string, layout LayoutConfig, total int, onProgress ProgressFunc) error {
	dpi := float64(layout.MinDPI)
	canvasW := mmToPx(layout.PageWidthMM, dpi)
	canvasH := mmToPx(layout.PageHeightMM, dpi)
	slots := layout.SlotsPerSheet()

	canvas := image.NewRGBA(image.Rect(0, 0, canvasW, canvasH))
	clearCanvas(canvas)

	var sheetFiles []string
	defer func() {
		for _, f := range sheetFiles {
			_ = os.Remove(f)
		}
	}()

	flushSheet := func() error {
		name := filepath.Join(workDir, fmt.Sprintf("sheet-%04d.jpg", len(sheetFiles)))
		f, err := os.Create(name)
		if err != nil {
			return err
		}
		if err := jpeg.Encode(f, canvas, &jpeg.Options{Quality: sheetJPEGQuality}); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
		sheetFiles = append(sheetFiles, name)
		clearCanvas(canvas)
		return nil
	}

	done := 0
	for i, in := range inputs {
		if err := e.rasterInput(ctx, in, counts[i], layout, dpi, canvas, &done, total, slots, flushSheet, onProgress); err != nil {
			return err
		}
	}
	// Last sheet may be partially filled.
	if done%slots != 0 || done == 0 {
		if err := flushSheet(); err != nil {
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	imp, err := api.Import("form:A4, pos:full", types.POINTS)
	if err != nil {
		return err
	}
	return api.ImportImagesFile(sheetFiles, outPath, imp, nil)
}

// rasterInput renders the pages of one input document into the rolling
// canvas, flushing a sheet whenever the grid fills up.
func (e *Engine) rasterInput(ctx context.Context, in string, pages int, layout LayoutConfig, dpi float64, canvas *image.RGBA, done *int, total, slots int, flushSheet func() error, onProgress ProgressFunc) error {
	doc, err := fitz.New(in)
	if err != nil {
		return &BadInputError{File: in, Err: err}
	}
	defer doc.Close()

	for p := 0; p < pages; p++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		img, err := doc.ImageDPI(p, dpi)
		if err != nil {
			return &BadInputError{File: in, Err: fmt.Errorf("render page %d: %w", p+1, err)}
		}

		slot := *done % slots
		placePage(canvas, img, layout, slot, dpi)
		*done++
		if onProgress != nil {
			onProgress(*done, total)
		}
		log.Debug().Str("input", filepath.Base(in)).Int("page", p+1).Int("slot", slot).Msg("placed page")

		if *done%slots == 0 {
			if err := flushSheet(); err != nil {
				return err
			}
		}
	}
	return nil
}

// placePage scales one rendered page into its cell, centred, aspect
// preserved. Pages larger than a cell are scaled down, never cropped.
func placePage(canvas *image.RGBA, page image.Image, layout LayoutConfig, slot int, dpi float64) {
	b := page.Bounds()
	// native size in mm at the rendered DPI
	pageWMM := float64(b.Dx()) / dpi * 25.4
	pageHMM := float64(b.Dy()) / dpi * 25.4

	r := layout.Place(slot, pageWMM, pageHMM)
	dst := image.Rect(
		mmToPx(r.X, dpi),
		mmToPx(r.Y, dpi),
		mmToPx(r.X+r.W, dpi),
		mmToPx(r.Y+r.H, dpi),
	)
	xdraw.CatmullRom.Scale(canvas, dst, page, b, xdraw.Over, nil)
}

func clearCanvas(canvas *image.RGBA) {
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
}
