package storage

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, limits Limits) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir(), limits)
	require.NoError(t, err)
	return m
}

func TestSanitizeName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"invoice.pdf", "invoice.pdf"},
		{"inv oice (1).pdf", "invoice1.pdf"},
		{"../../etc/passwd", "passwd"},
		{`..\..\windows\evil.pdf`, "evil.pdf"},
		{"UPPER_case-123.PDF", "UPPER_case-123.PDF"},
		{strings.Repeat("a", 200) + ".pdf", strings.Repeat("a", 128)},
	}
	for _, tc := range cases {
		got, err := SanitizeName(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}

	for _, bad := range []string{"", ".hidden", "...", "???", "   "} {
		_, err := SanitizeName(bad)
		assert.ErrorIs(t, err, ErrUnsafeName, "%q", bad)
	}
}

func TestStoreUploadRoundTrip(t *testing.T) {
	m := newTestManager(t, Limits{MaxFileSize: 1 << 20})
	content := []byte("%PDF-1.4 test content")

	path, sum, err := m.StoreUpload("sess-1", "task-1", 0, "invoice.pdf", bytes.NewReader(content), int64(len(content)))
	require.NoError(t, err)
	assert.Equal(t, "0-invoice.pdf", filepath.Base(path))
	assert.Len(t, sum, 64) // blake2b-256 hex

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// same content hashes the same
	_, sum2, err := m.StoreUpload("sess-1", "task-1", 1, "invoice.pdf", bytes.NewReader(content), -1)
	require.NoError(t, err)
	assert.Equal(t, sum, sum2)

	// no partial files left behind
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), ".part-"), e.Name())
	}
}

func TestStoreUploadSizeCap(t *testing.T) {
	m := newTestManager(t, Limits{MaxFileSize: 10})

	_, _, err := m.StoreUpload("s", "t", 0, "big.pdf", bytes.NewReader(make([]byte, 11)), -1)
	assert.ErrorIs(t, err, ErrTooLarge)

	// declared over the cap is refused before any bytes move
	_, _, err = m.StoreUpload("s", "t", 0, "big.pdf", bytes.NewReader(nil), 11)
	assert.ErrorIs(t, err, ErrTooLarge)

	// rejected uploads leave no residue
	entries, _ := os.ReadDir(filepath.Join(m.Root(), "uploads", "s", "t"))
	assert.Empty(t, entries)
}

func TestStoreUploadDeclaredMismatch(t *testing.T) {
	m := newTestManager(t, Limits{MaxFileSize: 1 << 20})
	_, _, err := m.StoreUpload("s", "t", 0, "short.pdf", bytes.NewReader([]byte("abc")), 5)
	assert.ErrorIs(t, err, ErrSizeMismatch)
}

func TestStoreUploadRejectsBadIDs(t *testing.T) {
	m := newTestManager(t, Limits{})
	_, _, err := m.StoreUpload("../evil", "t", 0, "a.pdf", bytes.NewReader([]byte("x")), -1)
	assert.ErrorIs(t, err, ErrUnsafeName)
	_, _, err = m.StoreUpload("s", "t/../..", 0, "a.pdf", bytes.NewReader([]byte("x")), -1)
	assert.ErrorIs(t, err, ErrUnsafeName)
}

func writeOutput(t *testing.T, m *Manager, session, task, name string, content []byte) string {
	t.Helper()
	src := filepath.Join(t.TempDir(), "src.pdf")
	require.NoError(t, os.WriteFile(src, content, 0o644))
	out, err := m.WriteOutput(session, task, name, src)
	require.NoError(t, err)
	return out
}

func TestOpenForRead(t *testing.T) {
	m := newTestManager(t, Limits{})
	content := []byte("%PDF-1.4 output")
	writeOutput(t, m, "sess", "task", "result.pdf", content)

	f, obj, err := m.OpenForRead("sess", "task", "result.pdf")
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, int64(len(content)), obj.Size)
	assert.Equal(t, RoleOutput, obj.Role)

	got, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestOpenForReadConfinement(t *testing.T) {
	m := newTestManager(t, Limits{})
	writeOutput(t, m, "sess", "task", "result.pdf", []byte("x"))

	// unknown name
	_, _, err := m.OpenForRead("sess", "task", "other.pdf")
	assert.ErrorIs(t, err, ErrNotFound)

	// traversal collapses to a missing name, never an escape
	_, _, err = m.OpenForRead("sess", "task", "../../../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)

	// foreign session cannot see the object
	_, _, err = m.OpenForRead("other", "task", "result.pdf")
	assert.ErrorIs(t, err, ErrNotFound)

	// symlink pointing outside the tree is refused
	secret := filepath.Join(t.TempDir(), "secret.pdf")
	require.NoError(t, os.WriteFile(secret, []byte("secret"), 0o644))
	link := filepath.Join(m.Root(), "outputs", "sess", "task", "link.pdf")
	if err := os.Symlink(secret, link); err == nil {
		_, _, err = m.OpenForRead("sess", "task", "link.pdf")
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestPurge(t *testing.T) {
	m := newTestManager(t, Limits{})
	_, _, err := m.StoreUpload("sess", "task", 0, "a.pdf", bytes.NewReader([]byte("x")), -1)
	require.NoError(t, err)
	writeOutput(t, m, "sess", "task", "result.pdf", []byte("y"))
	_, err = m.TempDir("task")
	require.NoError(t, err)

	require.NoError(t, m.Purge("sess", "task"))
	assert.Empty(t, m.ListObjects("sess", "task"))

	// idempotent
	require.NoError(t, m.Purge("sess", "task"))
}

func TestSweep(t *testing.T) {
	m := newTestManager(t, Limits{})

	oldPath, _, err := m.StoreUpload("sess", "old-task", 0, "a.pdf", bytes.NewReader([]byte("aged")), -1)
	require.NoError(t, err)
	writeOutput(t, m, "sess", "old-task", "result.pdf", []byte("aged out"))
	freshPath, _, err := m.StoreUpload("sess", "new-task", 0, "b.pdf", bytes.NewReader([]byte("fresh")), -1)
	require.NoError(t, err)
	busyPath, _, err := m.StoreUpload("sess", "busy-task", 0, "c.pdf", bytes.NewReader([]byte("busy")), -1)
	require.NoError(t, err)

	// age the old and busy tasks past the cutoff
	aged := time.Now().Add(-48 * time.Hour)
	for _, p := range []string{oldPath, busyPath} {
		require.NoError(t, os.Chtimes(p, aged, aged))
	}
	outDir := filepath.Join(m.Root(), "outputs", "sess", "old-task")
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	for _, e := range entries {
		p := filepath.Join(outDir, e.Name())
		require.NoError(t, os.Chtimes(p, aged, aged))
	}

	res := m.Sweep(time.Now().Add(-24*time.Hour), func(taskID string) bool {
		return taskID == "busy-task"
	})

	assert.Equal(t, 2, res.FilesRemoved)
	assert.Contains(t, res.AffectedTasks, "old-task")
	assert.NotContains(t, res.AffectedTasks, "busy-task")

	assert.NoFileExists(t, oldPath)
	assert.FileExists(t, freshPath)
	assert.FileExists(t, busyPath)

	// emptied task directory is pruned
	assert.NoDirExists(t, filepath.Join(m.Root(), "uploads", "sess", "old-task"))
}

func TestWriteProbe(t *testing.T) {
	m := newTestManager(t, Limits{})
	assert.NoError(t, m.WriteProbe())
}
