package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/local/invoiceimposer/internal/config"
	"github.com/local/invoiceimposer/internal/filetype"
	"github.com/local/invoiceimposer/internal/impose"
	"github.com/local/invoiceimposer/internal/metrics"
	"github.com/local/invoiceimposer/internal/queue"
	"github.com/local/invoiceimposer/internal/registry"
	"github.com/local/invoiceimposer/internal/storage"
	"github.com/local/invoiceimposer/internal/task"
)

const (
	// maxAutoRetries bounds automatic re-enqueues for transient failures.
	// User-triggered retries through the API are not counted against this.
	maxAutoRetries = 2

	retryBaseDelay = 30 * time.Second

	outputName = "result.pdf"

	dequeueBlock    = 2 * time.Second
	cancelPollEvery = time.Second
)

// Progress anchors: extraction sits below the render window, the render
// window spans placed pages, writing the output sits above it.
const (
	progressExtracting = 5
	progressRenderLow  = 10
	progressRenderHigh = 95
	progressWriting    = 97
)

// errCancelled marks a compose aborted by a user cancel flag.
var errCancelled = errors.New("dispatcher: task cancelled")

// Composer turns a batch of input PDFs into one composite document.
// Satisfied by *impose.Engine.
type Composer interface {
	Compose(ctx context.Context, inputs []string, outPath, workDir string, layout impose.LayoutConfig, onProgress impose.ProgressFunc) (impose.Result, error)
}

// Dispatcher owns the worker pool and the retention sweeper.
type Dispatcher struct {
	cfg     config.WorkerConfig
	queue   *queue.RedisQueue
	reg     *registry.Registry
	store   *storage.Manager
	engine  Composer
	layout  impose.LayoutConfig
	detect  *filetype.Detector
	maxAge  time.Duration
	hardCap time.Duration

	// Shutdown is two-phase: intake closes first so workers stop picking up
	// jobs but finish the one in hand; abort closes at the drain deadline and
	// kills whatever is still composing. ctx outlives both so the final
	// bookkeeping writes still reach the registry.
	ctx    context.Context
	cancel context.CancelFunc
	intake chan struct{}
	abort  chan struct{}
	wg     sync.WaitGroup
}

// New wires a dispatcher. retentionAge drives the storage sweeper.
func New(cfg config.WorkerConfig, q *queue.RedisQueue, reg *registry.Registry, store *storage.Manager, engine Composer, layout impose.LayoutConfig, retentionAge time.Duration) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:     cfg,
		queue:   q,
		reg:     reg,
		store:   store,
		engine:  engine,
		layout:  layout,
		detect:  filetype.New(),
		maxAge:  retentionAge,
		hardCap: cfg.HardTimeLimit,
		ctx:     ctx,
		cancel:  cancel,
		intake:  make(chan struct{}),
		abort:   make(chan struct{}),
	}
}

// draining reports whether intake has been closed.
func (d *Dispatcher) draining() bool {
	select {
	case <-d.intake:
		return true
	default:
		return false
	}
}

// aborting reports whether the drain deadline has lapsed.
func (d *Dispatcher) aborting() bool {
	select {
	case <-d.abort:
		return true
	default:
		return false
	}
}

// Start launches the worker pool and the sweeper.
func (d *Dispatcher) Start() {
	n := d.cfg.Concurrency
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		d.wg.Add(1)
		go d.superviseWorker(i)
	}
	d.wg.Add(1)
	go d.runSweeper()
	log.Info().Int("workers", n).Dur("hard_limit", d.cfg.HardTimeLimit).Msg("dispatcher started")
}

// Stop drains the pool. Intake stops immediately; in-flight jobs get the full
// drain timeout to finish on their own and are aborted only when it lapses,
// landing as failed/SHUTDOWN.
func (d *Dispatcher) Stop() {
	close(d.intake)
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("dispatcher drained")
	case <-time.After(d.cfg.DrainTimeout):
		log.Warn().Dur("timeout", d.cfg.DrainTimeout).Msg("drain timed out, aborting in-flight tasks")
		close(d.abort)
		<-done
	}
	d.cancel()
}

// superviseWorker restarts the worker loop whenever it recycles, so each
// incarnation starts from a clean slate.
func (d *Dispatcher) superviseWorker(slot int) {
	defer d.wg.Done()
	gen := 0
	for !d.draining() {
		d.runWorker(fmt.Sprintf("worker-%d-%d", slot, gen))
		gen++
	}
}

// runWorker consumes jobs until shutdown or until the recycle threshold is
// reached.
func (d *Dispatcher) runWorker(consumer string) {
	jobs := 0
	for !d.draining() {
		job, err := d.queue.Dequeue(d.ctx, consumer, dequeueBlock)
		if err != nil {
			if d.ctx.Err() != nil || d.draining() {
				return
			}
			log.Error().Err(err).Str("consumer", consumer).Msg("dequeue failed")
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue
		}
		d.processJob(job)
		jobs++
		if d.cfg.RecycleAfter > 0 && jobs >= d.cfg.RecycleAfter {
			log.Info().Str("consumer", consumer).Int("jobs", jobs).Msg("recycling worker")
			return
		}
	}
}

func (d *Dispatcher) processJob(job *queue.Job) {
	logger := log.With().Str("task_id", job.TaskID).Str("session_id", job.SessionID).Int("attempt", job.Attempt).Logger()
	started := time.Now()

	// A cancel issued while the job sat in the backlog wins before any work.
	if cancelled, err := d.queue.IsCancelled(d.ctx, job.TaskID); err == nil && cancelled {
		d.finishCancelled(job, logger)
		return
	}

	t, err := d.reg.UpdateStatus(d.ctx, job.TaskID, []task.Status{task.StatusQueued}, task.StatusProcessing, func(t *task.Task) {
		t.Stage = "preparing"
	})
	if err != nil {
		var stale *registry.StaleStateError
		if errors.As(err, &stale) {
			logger.Debug().Str("status", string(stale.Current)).Msg("skipping job, record no longer queued")
		} else if err != registry.ErrNotFound {
			logger.Error().Err(err).Msg("failed to claim job")
		}
		return
	}
	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	result, err := d.runTask(t, job, logger)
	duration := time.Since(started)

	switch {
	case err == nil:
		metrics.TasksTotal.WithLabelValues("completed").Inc()
		metrics.TaskDuration.Observe(duration.Seconds())
		metrics.PagesImposed.Add(float64(result.Pages))
		logger.Info().Int("pages", result.Pages).Int("sheets", result.Sheets).Dur("duration", duration).Msg("task completed")
	case errors.Is(err, errCancelled):
		d.finishCancelledProcessing(job, logger)
	default:
		d.finishFailed(job, err, logger)
	}
	d.store.PurgeTemp(job.TaskID)
}

// runTask does the actual work for a claimed task: expand archives, compose,
// publish the output, mark completed.
func (d *Dispatcher) runTask(t *task.Task, job *queue.Job, logger zerolog.Logger) (impose.Result, error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.hardCap)
	defer cancel()

	// Soft limit warns and surfaces on the record; the hard deadline is what
	// kills the job.
	softTimer := time.AfterFunc(d.cfg.SoftTimeLimit, func() {
		logger.Warn().Dur("soft_limit", d.cfg.SoftTimeLimit).Msg("task exceeded soft time limit")
		_ = d.reg.AnnotateStage(d.ctx, t.TaskID, "running past the soft time limit")
	})
	defer softTimer.Stop()

	// Poll the cancel flag and abort the compose when it appears. A lapsed
	// drain deadline aborts the same way, minus the cancelled marker.
	cancelled := make(chan struct{})
	pollDone := make(chan struct{})
	defer close(pollDone)
	go func() {
		ticker := time.NewTicker(cancelPollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-pollDone:
				return
			case <-ctx.Done():
				return
			case <-d.abort:
				cancel()
				return
			case <-ticker.C:
				if yes, err := d.queue.IsCancelled(ctx, t.TaskID); err == nil && yes {
					close(cancelled)
					cancel()
					return
				}
			}
		}
	}()

	inputs, err := d.expandInputs(ctx, t, logger)
	if err != nil {
		return impose.Result{}, err
	}

	workDir, err := d.store.TempDir(t.TaskID)
	if err != nil {
		return impose.Result{}, err
	}
	tmpOut := filepath.Join(workDir, outputName)

	onProgress := d.progressFunc(t.TaskID)
	result, err := d.engine.Compose(ctx, inputs, tmpOut, workDir, d.layout, onProgress)
	if err != nil {
		select {
		case <-cancelled:
			return impose.Result{}, errCancelled
		default:
		}
		return impose.Result{}, err
	}

	_ = d.reg.UpdateProgress(d.ctx, t.TaskID, progressWriting, "writing output")
	outPath, err := d.store.WriteOutput(t.SessionID, t.TaskID, outputName, tmpOut)
	if err != nil {
		return impose.Result{}, err
	}

	_, err = d.reg.UpdateStatus(d.ctx, t.TaskID, []task.Status{task.StatusProcessing}, task.StatusCompleted, func(t *task.Task) {
		t.Stage = ""
		t.OutputRefs = []string{outPath}
	})
	if err != nil {
		return impose.Result{}, err
	}
	logger.Debug().Str("output", outPath).Msg("output published")
	return result, nil
}

// expandInputs resolves the task's stored uploads into a flat list of PDF
// paths, expanding ZIP archives into the temp tree.
func (d *Dispatcher) expandInputs(ctx context.Context, t *task.Task, logger zerolog.Logger) ([]string, error) {
	var out []string
	for _, ref := range t.InputRefs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		info, err := d.detect.DetectFile(ref)
		if err != nil {
			return nil, &impose.BadInputError{File: ref, Err: err}
		}
		switch info.Kind {
		case filetype.KindZIP:
			_ = d.reg.UpdateProgress(d.ctx, t.TaskID, progressExtracting, "extracting archive")
			pdfs, err := d.store.ExtractArchive(ref, t.TaskID)
			if err != nil {
				return nil, err
			}
			logger.Debug().Str("archive", filepath.Base(ref)).Int("pdfs", len(pdfs)).Msg("archive expanded")
			out = append(out, pdfs...)
		case filetype.KindPDF:
			out = append(out, ref)
		default:
			return nil, &impose.BadInputError{File: ref, Err: errors.New("unsupported file type")}
		}
	}
	return out, nil
}

// progressFunc maps engine page counts into the render window and coalesces
// registry writes to at most one per ProgressMinGap.
func (d *Dispatcher) progressFunc(taskID string) impose.ProgressFunc {
	var mu sync.Mutex
	var lastSent time.Time
	return func(done, total int) {
		if total <= 0 {
			return
		}
		mu.Lock()
		now := time.Now()
		final := done >= total
		if !final && now.Sub(lastSent) < d.cfg.ProgressMinGap {
			mu.Unlock()
			return
		}
		lastSent = now
		mu.Unlock()

		span := progressRenderHigh - progressRenderLow
		p := progressRenderLow + done*span/total
		stage := fmt.Sprintf("rendering page %d/%d", done, total)
		if err := d.reg.UpdateProgress(d.ctx, taskID, p, stage); err != nil && err != registry.ErrNotFound {
			log.Debug().Err(err).Str("task_id", taskID).Msg("progress update failed")
		}
	}
}

// finishCancelled handles a cancel observed before the job was claimed.
func (d *Dispatcher) finishCancelled(job *queue.Job, logger zerolog.Logger) {
	_, err := d.reg.UpdateStatus(d.ctx, job.TaskID, []task.Status{task.StatusQueued}, task.StatusCancelled, func(t *task.Task) {
		t.Stage = ""
	})
	if err != nil {
		var stale *registry.StaleStateError
		if !errors.As(err, &stale) && err != registry.ErrNotFound {
			logger.Error().Err(err).Msg("failed to mark cancelled")
			return
		}
	}
	d.cleanupCancelled(job, logger)
	logger.Info().Msg("task cancelled before processing")
}

// finishCancelledProcessing handles a cancel that aborted a running compose.
func (d *Dispatcher) finishCancelledProcessing(job *queue.Job, logger zerolog.Logger) {
	_, err := d.reg.UpdateStatus(d.ctx, job.TaskID, []task.Status{task.StatusProcessing}, task.StatusCancelled, func(t *task.Task) {
		t.Stage = ""
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark cancelled")
	}
	d.cleanupCancelled(job, logger)
	logger.Info().Msg("task cancelled during processing")
}

// cleanupCancelled releases everything a cancelled task held: its stored
// files, its cancel flag. Cancellation is final, so nothing is kept for a
// retry.
func (d *Dispatcher) cleanupCancelled(job *queue.Job, logger zerolog.Logger) {
	if err := d.store.Purge(job.SessionID, job.TaskID); err != nil {
		logger.Error().Err(err).Msg("failed to purge cancelled task files")
	}
	_ = d.queue.ClearCancel(d.ctx, job.TaskID)
	metrics.TasksTotal.WithLabelValues("cancelled").Inc()
}

func (d *Dispatcher) finishFailed(job *queue.Job, cause error, logger zerolog.Logger) {
	kind := classify(cause)
	if errors.Is(cause, context.Canceled) && d.aborting() {
		kind = task.ErrShutdown
	}

	_, err := d.reg.UpdateStatus(d.ctx, job.TaskID, []task.Status{task.StatusProcessing}, task.StatusFailed, func(t *task.Task) {
		t.Stage = ""
		t.ErrorKind = kind
		t.ErrorMessage = cause.Error()
		t.RetryCount = job.Attempt
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to mark failed")
		return
	}
	metrics.TasksTotal.WithLabelValues("failed").Inc()
	logger.Warn().Err(cause).Str("kind", string(kind)).Msg("task failed")

	// Shutdown failures stay failed so the operator or user decides;
	// transient failures get a bounded automatic retry with backoff.
	if kind != task.ErrShutdown && retryable(kind) && job.Attempt < maxAutoRetries {
		d.autoRetry(job, logger)
	}
}

func (d *Dispatcher) autoRetry(job *queue.Job, logger zerolog.Logger) {
	_, err := d.reg.UpdateStatus(d.ctx, job.TaskID, []task.Status{task.StatusFailed}, task.StatusQueued, func(t *task.Task) {
		t.Progress = 0
		t.Samples = nil
		t.ErrorKind = ""
		t.ErrorMessage = ""
		t.RetryCount = job.Attempt + 1
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to requeue for retry")
		return
	}
	delay := retryBaseDelay << job.Attempt
	next := queue.Job{TaskID: job.TaskID, SessionID: job.SessionID, Attempt: job.Attempt + 1, EnqueuedAt: time.Now().UTC()}
	if err := d.queue.EnqueueRetry(d.ctx, next, delay); err != nil {
		logger.Error().Err(err).Msg("failed to schedule retry")
		return
	}
	logger.Info().Dur("delay", delay).Int("attempt", job.Attempt+1).Msg("scheduled automatic retry")
}
