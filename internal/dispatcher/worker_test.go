package dispatcher

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/invoiceimposer/internal/config"
	"github.com/local/invoiceimposer/internal/impose"
	"github.com/local/invoiceimposer/internal/metrics"
	"github.com/local/invoiceimposer/internal/queue"
	"github.com/local/invoiceimposer/internal/registry"
	"github.com/local/invoiceimposer/internal/storage"
	"github.com/local/invoiceimposer/internal/task"
)

// stubComposer stands in for the engine so worker behavior can be tested
// without rendering. With block set it holds until the context is killed.
type stubComposer struct {
	delay time.Duration
	block bool
}

func (s *stubComposer) Compose(ctx context.Context, inputs []string, outPath, workDir string, layout impose.LayoutConfig, onProgress impose.ProgressFunc) (impose.Result, error) {
	if onProgress != nil {
		onProgress(1, 2)
	}
	if s.block {
		<-ctx.Done()
		return impose.Result{}, ctx.Err()
	}
	select {
	case <-ctx.Done():
		return impose.Result{}, ctx.Err()
	case <-time.After(s.delay):
	}
	if onProgress != nil {
		onProgress(2, 2)
	}
	if err := os.WriteFile(outPath, []byte("%PDF-1.4\n%%EOF\n"), 0o644); err != nil {
		return impose.Result{}, err
	}
	return impose.Result{Pages: 2, Sheets: 1}, nil
}

// Worker tests need a live Redis; set TEST_REDIS_URL to run them.
func newTestDispatcher(t *testing.T, engine Composer, drain time.Duration) (*Dispatcher, *registry.Registry, *storage.Manager, *queue.RedisQueue) {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	metrics.Init()

	store, err := storage.NewManager(t.TempDir(), storage.Limits{MaxFileSize: 1 << 20})
	require.NoError(t, err)

	stream := "test:" + uuid.New().String()
	q, err := queue.NewRedisQueue(url, stream, "workers:test", 0, false, 50*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	reg, err := registry.New(url, time.Hour, 10*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	cfg := config.WorkerConfig{
		Concurrency:    1,
		SoftTimeLimit:  time.Minute,
		HardTimeLimit:  2 * time.Minute,
		DrainTimeout:   drain,
		ProgressMinGap: time.Millisecond,
	}
	d := New(cfg, q, reg, store, engine, impose.DefaultLayout(), time.Hour)
	return d, reg, store, q
}

func seedTask(t *testing.T, reg *registry.Registry, store *storage.Manager) (*task.Task, queue.Job) {
	t.Helper()
	sid := uuid.New().String()
	tk := task.New(uuid.New().String(), sid, 1)
	path, _, err := store.StoreUpload(sid, tk.TaskID, 0, "invoice.pdf",
		bytes.NewReader([]byte("%PDF-1.4\n%%EOF\n")), -1)
	require.NoError(t, err)
	tk.InputRefs = []string{path}
	require.NoError(t, reg.Create(context.Background(), tk))
	return tk, queue.Job{TaskID: tk.TaskID, SessionID: sid, EnqueuedAt: time.Now().UTC()}
}

func TestCancelAbortsRunningTask(t *testing.T) {
	d, reg, store, q := newTestDispatcher(t, &stubComposer{block: true}, 5*time.Second)
	ctx := context.Background()
	tk, job := seedTask(t, reg, store)

	done := make(chan struct{})
	go func() {
		d.processJob(&job)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := reg.Get(ctx, tk.TaskID)
		return err == nil && got.Status == task.StatusProcessing
	}, 5*time.Second, 10*time.Millisecond, "task never claimed")

	require.NoError(t, q.CancelJob(ctx, tk.TaskID))
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("cancelled task never finished")
	}

	got, err := reg.Get(ctx, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)

	// cancellation is final: no stored files, no lingering flag
	assert.Empty(t, store.ListObjects(job.SessionID, tk.TaskID))
	flagged, err := q.IsCancelled(ctx, tk.TaskID)
	require.NoError(t, err)
	assert.False(t, flagged)
}

func TestStopWaitsForInFlightJob(t *testing.T) {
	d, reg, store, _ := newTestDispatcher(t, &stubComposer{delay: 300 * time.Millisecond}, 10*time.Second)
	_, job := seedTask(t, reg, store)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.processJob(&job)
	}()
	d.Stop()

	got, err := reg.Get(context.Background(), job.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.Len(t, got.OutputRefs, 1)
	assert.Equal(t, "result.pdf", filepath.Base(got.OutputRefs[0]))
	_, statErr := os.Stat(got.OutputRefs[0])
	assert.NoError(t, statErr, "output ref should be a live storage path")
}

func TestDrainDeadlineFailsInFlightJob(t *testing.T) {
	d, reg, store, _ := newTestDispatcher(t, &stubComposer{block: true}, 200*time.Millisecond)
	ctx := context.Background()
	tk, job := seedTask(t, reg, store)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.processJob(&job)
	}()

	require.Eventually(t, func() bool {
		got, err := reg.Get(ctx, tk.TaskID)
		return err == nil && got.Status == task.StatusProcessing
	}, 5*time.Second, 10*time.Millisecond, "task never claimed")

	d.Stop()

	got, err := reg.Get(ctx, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, got.Status)
	assert.Equal(t, task.ErrShutdown, got.ErrorKind)
}
