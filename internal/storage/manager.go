package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/blake2b"
)

// Role classifies a stored object by the tree it lives in.
type Role string

const (
	RoleUpload Role = "upload"
	RoleOutput Role = "output"
	RoleTemp   Role = "temp"
)

// Object describes one file under the storage root.
type Object struct {
	Path    string
	Size    int64
	ModTime time.Time
	Role    Role
	TaskID  string
}

// SweepResult summarizes one age-based sweep pass.
type SweepResult struct {
	FilesRemoved  int
	BytesRemoved  int64
	AffectedTasks []string
}

var (
	ErrTooLarge     = errors.New("storage: file exceeds maximum size")
	ErrSizeMismatch = errors.New("storage: written bytes do not match declared length")
	ErrUnsafeName   = errors.New("storage: unsafe file name")
	ErrNotFound     = errors.New("storage: object not found")
)

// Limits bounds uploads and archive extraction.
type Limits struct {
	MaxFileSize   int64
	ZipMaxEntries int
	ZipMaxBytes   int64
	ZipMaxRatio   int64
}

// Manager owns the uploads/outputs/temp directory tree. Every path it hands
// out is confined under its root; every write is atomic (temp file + rename).
type Manager struct {
	root    string
	uploads string
	outputs string
	temp    string
	limits  Limits
}

// NewManager resolves root to an absolute path and creates the tree.
func NewManager(root string, limits Limits) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	m := &Manager{
		root:    abs,
		uploads: filepath.Join(abs, "uploads"),
		outputs: filepath.Join(abs, "outputs"),
		temp:    filepath.Join(abs, "temp"),
		limits:  limits,
	}
	for _, dir := range []string{m.uploads, m.outputs, m.temp} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir %s: %w", dir, err)
		}
	}
	log.Info().Str("root", abs).Msg("storage initialized")
	return m, nil
}

// Root returns the absolute storage root.
func (m *Manager) Root() string { return m.root }

// WriteProbe verifies the root is writable. Used by health checks.
func (m *Manager) WriteProbe() error {
	f, err := os.CreateTemp(m.temp, "probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

// SanitizeName strips every byte outside [A-Za-z0-9._-], rejects names that
// start with a dot, and truncates to 128 bytes.
func SanitizeName(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range base {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '_' || r == '-' {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" || strings.HasPrefix(s, ".") || strings.Trim(s, ".") == "" {
		return "", ErrUnsafeName
	}
	if len(s) > 128 {
		s = s[:128]
	}
	return s, nil
}

// safeComponent guards session/task ids used as directory names.
func safeComponent(id string) error {
	if id == "" || len(id) > 64 {
		return ErrUnsafeName
	}
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '_' || r == '-' {
			continue
		}
		return ErrUnsafeName
	}
	return nil
}

func (m *Manager) uploadDir(session, task string) string {
	return filepath.Join(m.uploads, session, task)
}

func (m *Manager) outputDir(session, task string) string {
	return filepath.Join(m.outputs, session, task)
}

// TempDir returns the per-task scratch directory, creating it if needed.
func (m *Manager) TempDir(task string) (string, error) {
	if err := safeComponent(task); err != nil {
		return "", err
	}
	dir := filepath.Join(m.temp, task)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// StoreUpload streams r into uploads/<session>/<task>/<ordinal>-<name>,
// refusing writes past MaxFileSize and verifying the declared length when
// one was supplied (declared < 0 skips the check). Returns the final path
// and the blake2b-256 checksum of the stored bytes.
func (m *Manager) StoreUpload(session, task string, ordinal int, name string, r io.Reader, declared int64) (string, string, error) {
	if err := safeComponent(session); err != nil {
		return "", "", err
	}
	if err := safeComponent(task); err != nil {
		return "", "", err
	}
	safe, err := SanitizeName(name)
	if err != nil {
		return "", "", err
	}
	if m.limits.MaxFileSize > 0 && declared > m.limits.MaxFileSize {
		return "", "", ErrTooLarge
	}

	dir := m.uploadDir(session, task)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	final := filepath.Join(dir, fmt.Sprintf("%d-%s", ordinal, safe))

	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return "", "", err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	hash, err := blake2b.New256(nil)
	if err != nil {
		return "", "", err
	}

	limit := m.limits.MaxFileSize
	var written int64
	buf := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			written += int64(n)
			if limit > 0 && written > limit {
				return "", "", ErrTooLarge
			}
			if _, werr := tmp.Write(buf[:n]); werr != nil {
				return "", "", werr
			}
			_, _ = hash.Write(buf[:n])
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", "", rerr
		}
	}
	if declared >= 0 && written != declared {
		return "", "", ErrSizeMismatch
	}
	if err := tmp.Sync(); err != nil {
		return "", "", err
	}
	if err := tmp.Close(); err != nil {
		return "", "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", "", err
	}

	sum := fmt.Sprintf("%x", hash.Sum(nil))
	log.Debug().Str("path", final).Int64("bytes", written).Str("checksum", sum).Msg("stored upload")
	return final, sum, nil
}

// WriteOutput atomically writes the composed document produced at srcPath
// into outputs/<session>/<task>/<name> and returns the final path.
func (m *Manager) WriteOutput(session, task, name, srcPath string) (string, error) {
	if err := safeComponent(session); err != nil {
		return "", err
	}
	if err := safeComponent(task); err != nil {
		return "", err
	}
	safe, err := SanitizeName(name)
	if err != nil {
		return "", err
	}
	dir := m.outputDir(session, task)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	final := filepath.Join(dir, safe)

	src, err := os.Open(srcPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return "", err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	if _, err := io.Copy(tmp, src); err != nil {
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		return "", err
	}
	return final, nil
}

// OpenForRead resolves outputs/<session>/<task>/<name> with a final realpath
// check that the result stays inside the task's output directory, then opens
// it for reading.
func (m *Manager) OpenForRead(session, task, name string) (*os.File, Object, error) {
	if err := safeComponent(session); err != nil {
		return nil, Object{}, ErrNotFound
	}
	if err := safeComponent(task); err != nil {
		return nil, Object{}, ErrNotFound
	}
	safe, err := SanitizeName(name)
	if err != nil {
		return nil, Object{}, ErrNotFound
	}
	dir := m.outputDir(session, task)
	candidate := filepath.Join(dir, safe)

	resolved, err := filepath.EvalSymlinks(candidate)
	if err != nil {
		return nil, Object{}, ErrNotFound
	}
	confine, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, Object{}, ErrNotFound
	}
	if resolved != confine && !strings.HasPrefix(resolved, confine+string(os.PathSeparator)) {
		log.Warn().Str("path", candidate).Msg("path confinement check failed")
		return nil, Object{}, ErrNotFound
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, Object{}, ErrNotFound
	}
	fi, err := f.Stat()
	if err != nil || fi.IsDir() {
		f.Close()
		return nil, Object{}, ErrNotFound
	}
	obj := Object{Path: resolved, Size: fi.Size(), ModTime: fi.ModTime(), Role: RoleOutput, TaskID: task}
	return f, obj, nil
}

// ListObjects returns every object owned by the task across all three trees.
func (m *Manager) ListObjects(session, task string) []Object {
	var out []Object
	collect := func(dir string, role Role) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			out = append(out, Object{
				Path:    filepath.Join(dir, e.Name()),
				Size:    fi.Size(),
				ModTime: fi.ModTime(),
				Role:    role,
				TaskID:  task,
			})
		}
	}
	collect(m.uploadDir(session, task), RoleUpload)
	collect(m.outputDir(session, task), RoleOutput)
	collect(filepath.Join(m.temp, task), RoleTemp)
	return out
}

// Purge removes every object of the task. Idempotent.
func (m *Manager) Purge(session, task string) error {
	if err := safeComponent(session); err != nil {
		return err
	}
	if err := safeComponent(task); err != nil {
		return err
	}
	var first error
	for _, dir := range []string{m.uploadDir(session, task), m.outputDir(session, task), filepath.Join(m.temp, task)} {
		if err := os.RemoveAll(dir); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PurgeOutputs removes only the task's output objects, keeping inputs for a
// later retry.
func (m *Manager) PurgeOutputs(session, task string) error {
	if err := safeComponent(session); err != nil {
		return err
	}
	if err := safeComponent(task); err != nil {
		return err
	}
	return os.RemoveAll(m.outputDir(session, task))
}

// PurgeTemp removes the per-task scratch directory.
func (m *Manager) PurgeTemp(task string) {
	if err := safeComponent(task); err != nil {
		return
	}
	_ = os.RemoveAll(filepath.Join(m.temp, task))
}

// Sweep deletes objects whose mtime predates cutoff under uploads/, outputs/
// and temp/, skipping tasks for which active returns true. Empty task and
// session directories are pruned afterwards.
func (m *Manager) Sweep(cutoff time.Time, active func(taskID string) bool) SweepResult {
	res := SweepResult{}
	affected := map[string]struct{}{}

	sweepTaskDir := func(dir, taskID string) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				continue
			}
			if fi.ModTime().Before(cutoff) {
				p := filepath.Join(dir, e.Name())
				if err := os.Remove(p); err == nil {
					res.FilesRemoved++
					res.BytesRemoved += fi.Size()
					affected[taskID] = struct{}{}
				}
			}
		}
		removeIfEmpty(dir)
	}

	// uploads/<session>/<task>/*, outputs/<session>/<task>/*
	for _, root := range []string{m.uploads, m.outputs} {
		sessions, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, s := range sessions {
			if !s.IsDir() {
				continue
			}
			sessionDir := filepath.Join(root, s.Name())
			tasks, err := os.ReadDir(sessionDir)
			if err != nil {
				continue
			}
			for _, t := range tasks {
				if !t.IsDir() {
					continue
				}
				if active != nil && active(t.Name()) {
					continue
				}
				sweepTaskDir(filepath.Join(sessionDir, t.Name()), t.Name())
			}
			removeIfEmpty(sessionDir)
		}
	}

	// temp/<task>/*
	tasks, err := os.ReadDir(m.temp)
	if err == nil {
		for _, t := range tasks {
			if !t.IsDir() {
				continue
			}
			if active != nil && active(t.Name()) {
				continue
			}
			sweepTaskDir(filepath.Join(m.temp, t.Name()), t.Name())
		}
	}

	for id := range affected {
		res.AffectedTasks = append(res.AffectedTasks, id)
	}
	log.Info().Int("files", res.FilesRemoved).Int64("bytes", res.BytesRemoved).
		Int("tasks", len(res.AffectedTasks)).Time("cutoff", cutoff).Msg("storage sweep complete")
	return res
}

func removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		_ = os.Remove(dir)
	}
}
