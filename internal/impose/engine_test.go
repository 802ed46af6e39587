package impose

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEngineModeFallback(t *testing.T) {
	assert.Equal(t, ModeRaster, NewEngine("", 0).mode)
	assert.Equal(t, ModeRaster, NewEngine("bogus", 0).mode)
	assert.Equal(t, ModeVector, NewEngine(ModeVector, 0).mode)
}

func TestComposeEmptyBatch(t *testing.T) {
	e := NewEngine(ModeRaster, 0)
	dir := t.TempDir()
	_, err := e.Compose(context.Background(), nil, filepath.Join(dir, "out.pdf"), dir, DefaultLayout(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestComposeInvalidGrid(t *testing.T) {
	e := NewEngine(ModeRaster, 0)
	dir := t.TempDir()
	layout := DefaultLayout()
	layout.Columns = 0
	_, err := e.Compose(context.Background(), []string{"whatever.pdf"}, filepath.Join(dir, "out.pdf"), dir, layout, nil)
	assert.Error(t, err)
}

func TestComposeBadInputNamesFile(t *testing.T) {
	e := NewEngine(ModeRaster, 0)
	dir := t.TempDir()
	garbage := filepath.Join(dir, "broken.pdf")
	require.NoError(t, os.WriteFile(garbage, []byte("not a pdf at all"), 0o644))

	_, err := e.Compose(context.Background(), []string{garbage}, filepath.Join(dir, "out.pdf"), dir, DefaultLayout(), nil)
	var bad *BadInputError
	require.ErrorAs(t, err, &bad)
	assert.Equal(t, garbage, bad.File)
	assert.Contains(t, bad.Error(), "broken.pdf")
}

func TestUnitConversions(t *testing.T) {
	assert.InDelta(t, 72, mmToPt(25.4), 1e-9)
	assert.Equal(t, 300, mmToPx(25.4, 300))
	// A4 at 300 DPI
	assert.Equal(t, 2480, mmToPx(210, 300))
	assert.Equal(t, 3507, mmToPx(297, 300))
}
