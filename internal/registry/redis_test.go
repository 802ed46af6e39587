package registry

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/invoiceimposer/internal/task"
)

// Integration tests need a live Redis; set TEST_REDIS_URL to run them.
func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	r, err := New(url, time.Hour, 10*time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func newTask(session string) *task.Task {
	return task.New(uuid.New().String(), session, 1)
}

func TestCreateGetRoundTrip(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	want := newTask(uuid.New().String())
	want.InputRefs = []string{"/tmp/a.pdf"}
	require.NoError(t, r.Create(ctx, want))

	got, err := r.Get(ctx, want.TaskID)
	require.NoError(t, err)
	assert.Equal(t, want.TaskID, got.TaskID)
	assert.Equal(t, want.SessionID, got.SessionID)
	assert.Equal(t, task.StatusQueued, got.Status)
	assert.Equal(t, want.InputRefs, got.InputRefs)
}

func TestCreateDuplicateFails(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tk := newTask(uuid.New().String())
	require.NoError(t, r.Create(ctx, tk))
	assert.ErrorIs(t, r.Create(ctx, tk), ErrExists)
}

func TestGetMissing(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get(context.Background(), uuid.New().String())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListNewestFirstAndFilter(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	session := uuid.New().String()

	first := newTask(session)
	require.NoError(t, r.Create(ctx, first))
	time.Sleep(10 * time.Millisecond)
	second := newTask(session)
	require.NoError(t, r.Create(ctx, second))

	all, err := r.List(ctx, session, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.TaskID, all[0].TaskID)
	assert.Equal(t, first.TaskID, all[1].TaskID)

	_, err = r.UpdateStatus(ctx, first.TaskID, []task.Status{task.StatusQueued}, task.StatusProcessing, nil)
	require.NoError(t, err)

	queued, err := r.List(ctx, session, task.StatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, second.TaskID, queued[0].TaskID)
}

func TestUpdateStatusCAS(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tk := newTask(uuid.New().String())
	require.NoError(t, r.Create(ctx, tk))

	got, err := r.UpdateStatus(ctx, tk.TaskID, []task.Status{task.StatusQueued}, task.StatusProcessing, func(t *task.Task) {
		t.Stage = "preparing"
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusProcessing, got.Status)
	assert.Equal(t, "preparing", got.Stage)

	// second claim loses
	_, err = r.UpdateStatus(ctx, tk.TaskID, []task.Status{task.StatusQueued}, task.StatusProcessing, nil)
	var stale *StaleStateError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, task.StatusProcessing, stale.Current)

	// illegal edge is refused even when the from-state matches
	_, err = r.UpdateStatus(ctx, tk.TaskID, []task.Status{task.StatusProcessing}, task.StatusExpired, nil)
	require.ErrorAs(t, err, &stale)
}

func TestUpdateStatusCompletedStampsRecord(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tk := newTask(uuid.New().String())
	require.NoError(t, r.Create(ctx, tk))
	_, err := r.UpdateStatus(ctx, tk.TaskID, []task.Status{task.StatusQueued}, task.StatusProcessing, nil)
	require.NoError(t, err)

	got, err := r.UpdateStatus(ctx, tk.TaskID, []task.Status{task.StatusProcessing}, task.StatusCompleted, nil)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateProgressMonotonic(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tk := newTask(uuid.New().String())
	require.NoError(t, r.Create(ctx, tk))
	_, err := r.UpdateStatus(ctx, tk.TaskID, []task.Status{task.StatusQueued}, task.StatusProcessing, nil)
	require.NoError(t, err)

	require.NoError(t, r.UpdateProgress(ctx, tk.TaskID, 50, "rendering page 4/8"))
	// smaller value is silently dropped
	require.NoError(t, r.UpdateProgress(ctx, tk.TaskID, 30, "rendering page 2/8"))

	got, err := r.Get(ctx, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)
	assert.Equal(t, "rendering page 4/8", got.Stage)
	assert.NotEmpty(t, got.Samples)
}

func TestAnnotateStage(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	tk := newTask(uuid.New().String())
	require.NoError(t, r.Create(ctx, tk))
	require.NoError(t, r.UpdateProgress(ctx, tk.TaskID, 40, "rendering page 4/10"))

	require.NoError(t, r.AnnotateStage(ctx, tk.TaskID, "running past the soft time limit"))
	got, err := r.Get(ctx, tk.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "running past the soft time limit", got.Stage)
	assert.Equal(t, 40, got.Progress)

	// terminal records are left alone
	_, err = r.UpdateStatus(ctx, tk.TaskID, []task.Status{task.StatusQueued}, task.StatusCancelled, func(t *task.Task) {
		t.Stage = ""
	})
	require.NoError(t, err)
	require.NoError(t, r.AnnotateStage(ctx, tk.TaskID, "too late"))
	got, err = r.Get(ctx, tk.TaskID)
	require.NoError(t, err)
	assert.Empty(t, got.Stage)
}

func TestDelete(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	session := uuid.New().String()

	tk := newTask(session)
	require.NoError(t, r.Create(ctx, tk))
	require.NoError(t, r.Delete(ctx, tk.TaskID, session))

	_, err := r.Get(ctx, tk.TaskID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Delete(ctx, tk.TaskID, session), ErrNotFound)

	list, err := r.List(ctx, session, "")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStatistics(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	session := uuid.New().String()

	a := newTask(session)
	require.NoError(t, r.Create(ctx, a))
	_, err := r.UpdateStatus(ctx, a.TaskID, []task.Status{task.StatusQueued}, task.StatusProcessing, nil)
	require.NoError(t, err)
	_, err = r.UpdateStatus(ctx, a.TaskID, []task.Status{task.StatusProcessing}, task.StatusCompleted, nil)
	require.NoError(t, err)

	b := newTask(session)
	require.NoError(t, r.Create(ctx, b))

	st, err := r.Statistics(ctx, session)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 1, st.ByStatus[task.StatusCompleted])
	assert.Equal(t, 1, st.ByStatus[task.StatusQueued])
	assert.GreaterOrEqual(t, st.AvgCompletionSeconds, 0.0)
}
