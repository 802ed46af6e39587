package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/invoiceimposer/internal/metrics"
	"github.com/local/invoiceimposer/internal/registry"
	"github.com/local/invoiceimposer/internal/storage"
	"github.com/local/invoiceimposer/internal/task"
)

// runSweeper periodically reclaims aged files and reconciles records with
// what is left on disk.
func (d *Dispatcher) runSweeper() {
	defer d.wg.Done()
	if d.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.intake:
			return
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			res := d.SweepNow(d.ctx)
			log.Info().Int("files", res.FilesRemoved).Int64("bytes", res.BytesRemoved).
				Int("tasks", len(res.AffectedTasks)).Msg("retention sweep finished")
		}
	}
}

// SweepNow runs one retention pass: delete files older than the retention
// age (skipping tasks still queued or processing), expire completed records
// whose outputs were reclaimed, and fail processing records that stopped
// making progress past the hard time limit. Also triggered by the cleanup
// endpoint.
func (d *Dispatcher) SweepNow(ctx context.Context) storage.SweepResult {
	cutoff := time.Now().Add(-d.maxAge)

	active := func(taskID string) bool {
		t, err := d.reg.Get(ctx, taskID)
		if err != nil {
			return false
		}
		return t.Status == task.StatusQueued || t.Status == task.StatusProcessing
	}

	res := d.store.Sweep(cutoff, active)
	metrics.SweepFilesRemoved.Add(float64(res.FilesRemoved))
	metrics.SweepBytesRemoved.Add(float64(res.BytesRemoved))

	for _, id := range res.AffectedTasks {
		t, err := d.reg.Get(ctx, id)
		if err != nil {
			continue
		}
		if t.Status != task.StatusCompleted {
			continue
		}
		if _, err := d.reg.UpdateStatus(ctx, id, []task.Status{task.StatusCompleted}, task.StatusExpired, nil); err != nil {
			var stale *registry.StaleStateError
			if !errors.As(err, &stale) && err != registry.ErrNotFound {
				log.Error().Err(err).Str("task_id", id).Msg("failed to expire record")
			}
			continue
		}
		metrics.TasksTotal.WithLabelValues("expired").Inc()
	}

	d.recoverStuck(ctx)
	return res
}

// recoverStuck fails processing records that have not been touched within
// the hard time limit. With ack-on-read delivery a crashed worker leaves
// the record stranded; this is the recovery path.
func (d *Dispatcher) recoverStuck(ctx context.Context) {
	stale := time.Now().Add(-d.hardCap - time.Minute)
	err := d.reg.ScanTasks(ctx, func(t *task.Task) error {
		if t.Status != task.StatusProcessing || t.UpdatedAt.After(stale) {
			return nil
		}
		_, err := d.reg.UpdateStatus(ctx, t.TaskID, []task.Status{task.StatusProcessing}, task.StatusFailed, func(t *task.Task) {
			t.Stage = ""
			t.ErrorKind = task.ErrTimeout
			t.ErrorMessage = "processing abandoned past the hard time limit"
		})
		if err == nil {
			metrics.TasksTotal.WithLabelValues("failed").Inc()
			log.Warn().Str("task_id", t.TaskID).Time("updated_at", t.UpdatedAt).Msg("recovered stuck task")
		}
		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("stuck-task scan failed")
	}
}
