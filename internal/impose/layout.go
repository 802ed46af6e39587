package impose

// LayoutConfig describes the output sheet geometry. All lengths are in
// millimetres.
type LayoutConfig struct {
	PageWidthMM  float64
	PageHeightMM float64
	Columns      int
	Rows         int
	MarginMM     float64
	GutterMM     float64
	MinDPI       int
}

// DefaultLayout is the 2x4 A4 grid: 210x297mm, 10mm outer margin, 5mm
// gutter, 300 DPI floor.
func DefaultLayout() LayoutConfig {
	return LayoutConfig{
		PageWidthMM:  210,
		PageHeightMM: 297,
		Columns:      2,
		Rows:         4,
		MarginMM:     10,
		GutterMM:     5,
		MinDPI:       300,
	}
}

// Rect is an axis-aligned rectangle in sheet millimetres, origin top-left.
type Rect struct {
	X, Y, W, H float64
}

// SlotsPerSheet returns the number of grid cells on one sheet.
func (c LayoutConfig) SlotsPerSheet() int { return c.Columns * c.Rows }

// SheetCount returns ceil(pages / slots).
func (c LayoutConfig) SheetCount(pages int) int {
	if pages <= 0 {
		return 0
	}
	slots := c.SlotsPerSheet()
	return (pages + slots - 1) / slots
}

// CellSize returns the width and height of one grid cell.
func (c LayoutConfig) CellSize() (w, h float64) {
	w = (c.PageWidthMM - 2*c.MarginMM - float64(c.Columns-1)*c.GutterMM) / float64(c.Columns)
	h = (c.PageHeightMM - 2*c.MarginMM - float64(c.Rows-1)*c.GutterMM) / float64(c.Rows)
	return w, h
}

// SlotPosition maps a slot index to its (row, col) on the sheet. Fill order
// is row-major from the top-left corner.
func (c LayoutConfig) SlotPosition(slot int) (row, col int) {
	return slot / c.Columns, slot % c.Columns
}

// CellRect returns the rectangle of the given slot.
func (c LayoutConfig) CellRect(slot int) Rect {
	row, col := c.SlotPosition(slot)
	w, h := c.CellSize()
	return Rect{
		X: c.MarginMM + float64(col)*(w+c.GutterMM),
		Y: c.MarginMM + float64(row)*(h+c.GutterMM),
		W: w,
		H: h,
	}
}

// FitScale returns the largest uniform scale that fits a page of the given
// native size into a cell. Aspect ratio is preserved exactly.
func FitScale(pageW, pageH, cellW, cellH float64) float64 {
	if pageW <= 0 || pageH <= 0 || cellW <= 0 || cellH <= 0 {
		return 1
	}
	sw := cellW / pageW
	sh := cellH / pageH
	if sw < sh {
		return sw
	}
	return sh
}

// Place returns the letterboxed rectangle of a page with native size
// (pageW, pageH) centred inside the given slot.
func (c LayoutConfig) Place(slot int, pageW, pageH float64) Rect {
	cell := c.CellRect(slot)
	s := FitScale(pageW, pageH, cell.W, cell.H)
	w := pageW * s
	h := pageH * s
	return Rect{
		X: cell.X + (cell.W-w)/2,
		Y: cell.Y + (cell.H-h)/2,
		W: w,
		H: h,
	}
}
