package progress

import (
	"time"

	"github.com/local/invoiceimposer/internal/task"
)

// ewmaAlpha weights the most recent inter-sample rate. Higher values react
// faster to speed changes, lower values smooth out jitter.
const ewmaAlpha = 0.3

// Estimate is a point-in-time throughput projection for a running task.
type Estimate struct {
	// RatePerMinute is the smoothed progress rate in percent per minute.
	// Zero when fewer than two samples exist or the task has stalled.
	RatePerMinute float64 `json:"progress_rate"`
	// RemainingSeconds projects time to 100% at the current rate. Negative
	// means unknown.
	RemainingSeconds float64 `json:"remaining_seconds"`
	// EstimatedCompletion is absent when the rate is unknown or zero.
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// ForTask projects completion from the task's rolling progress samples.
// Terminal tasks get a zeroed estimate with no remaining time.
func ForTask(t *task.Task, now time.Time) Estimate {
	if t.Status.IsTerminal() || t.Progress >= 100 {
		return Estimate{RemainingSeconds: 0}
	}
	rate := Rate(t.Samples)
	if rate <= 0 {
		return Estimate{RemainingSeconds: -1}
	}
	remaining := float64(100-t.Progress) / rate * 60
	eta := now.Add(time.Duration(remaining * float64(time.Second)))
	return Estimate{
		RatePerMinute:       rate,
		RemainingSeconds:    remaining,
		EstimatedCompletion: &eta,
	}
}

// Rate returns the exponentially weighted progress rate in percent per
// minute across the sample window. Samples must be in chronological order,
// which is how the registry records them.
func Rate(samples []task.ProgressSample) float64 {
	if len(samples) < 2 {
		return 0
	}
	var ewma float64
	seeded := false
	for i := 1; i < len(samples); i++ {
		dt := samples[i].At.Sub(samples[i-1].At).Minutes()
		if dt <= 0 {
			continue
		}
		r := float64(samples[i].Progress-samples[i-1].Progress) / dt
		if r < 0 {
			continue
		}
		if !seeded {
			ewma = r
			seeded = true
			continue
		}
		ewma = ewmaAlpha*r + (1-ewmaAlpha)*ewma
	}
	if !seeded {
		return 0
	}
	return ewma
}
