package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/local/invoiceimposer/internal/task"
)

var (
	ErrNotFound = errors.New("registry: task not found")
	ErrExists   = errors.New("registry: task id already exists")
)

// StaleStateError reports a failed compare-and-swap: the observed status was
// not in the expected-from set.
type StaleStateError struct {
	Current task.Status
}

func (e *StaleStateError) Error() string {
	return fmt.Sprintf("registry: stale state, task is %s", e.Current)
}

// casRetries bounds optimistic transaction retries under contention.
const casRetries = 5

// Registry is the durable task record store: task:<id> holds the record
// JSON with a TTL, session:<sid>:tasks indexes ids per session.
type Registry struct {
	client      *redis.Client
	recordTTL   time.Duration
	terminalTTL time.Duration
}

// New connects to Redis and returns a registry. recordTTL applies to
// completed/failed records, terminalTTL to expired/cancelled ones; live
// records carry recordTTL as a safety net too.
func New(redisURL string, recordTTL, terminalTTL time.Duration) (*Registry, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	if recordTTL <= 0 {
		recordTTL = 24 * time.Hour
	}
	if terminalTTL <= 0 {
		terminalTTL = 6 * time.Hour
	}
	return &Registry{client: c, recordTTL: recordTTL, terminalTTL: terminalTTL}, nil
}

func (r *Registry) Close() error { return r.client.Close() }

// Ping checks connectivity.
func (r *Registry) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func taskKey(id string) string { return "task:" + id }

func sessionKey(sid string) string { return "session:" + sid + ":tasks" }

func (r *Registry) ttlFor(s task.Status) time.Duration {
	switch s {
	case task.StatusExpired, task.StatusCancelled:
		return r.terminalTTL
	default:
		return r.recordTTL
	}
}

// Create inserts the record and adds its id to the session index. Fails
// with ErrExists if the id is already taken.
func (r *Registry) Create(ctx context.Context, t *task.Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	ok, err := r.client.SetNX(ctx, taskKey(t.TaskID), b, r.recordTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, sessionKey(t.SessionID), t.TaskID)
	pipe.Expire(ctx, sessionKey(t.SessionID), r.recordTTL*2)
	_, err = pipe.Exec(ctx)
	return err
}

// Get returns the record or ErrNotFound. A missing record is reported
// uniformly whether it never existed or has long since expired.
func (r *Registry) Get(ctx context.Context, id string) (*task.Task, error) {
	data, err := r.client.Get(ctx, taskKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// List returns the session's tasks, most recent first, optionally filtered
// by status. Stale index entries whose records have expired are pruned.
func (r *Registry) List(ctx context.Context, sessionID string, filter task.Status) ([]*task.Task, error) {
	ids, err := r.client.SMembers(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*task.Task, 0, len(ids))
	var stale []interface{}
	for _, id := range ids {
		t, err := r.Get(ctx, id)
		if err == ErrNotFound {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if filter != "" && t.Status != filter {
			continue
		}
		out = append(out, t)
	}
	if len(stale) > 0 {
		if err := r.client.SRem(ctx, sessionKey(sessionID), stale...).Err(); err == nil {
			log.Debug().Str("session", sessionID).Int("stale", len(stale)).Msg("pruned expired task ids from session index")
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// UpdateStatus atomically transitions the record from one of the expected
// states to the target state, applying mutate to the record inside the
// transaction. Returns the updated record, or StaleStateError when the
// observed status was not expected.
func (r *Registry) UpdateStatus(ctx context.Context, id string, expectedFrom []task.Status, to task.Status, mutate func(*task.Task)) (*task.Task, error) {
	var updated *task.Task
	key := taskKey(id)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}

		allowed := len(expectedFrom) == 0
		for _, s := range expectedFrom {
			if t.Status == s {
				allowed = true
				break
			}
		}
		if !allowed || !task.CanTransition(t.Status, to) {
			return &StaleStateError{Current: t.Status}
		}

		now := time.Now().UTC()
		t.Status = to
		t.UpdatedAt = now
		if to == task.StatusCompleted {
			t.Progress = 100
			t.CompletedAt = &now
		}
		if mutate != nil {
			mutate(&t)
		}
		b, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, b, r.ttlFor(to))
			return nil
		})
		if err == nil {
			updated = &t
		}
		return err
	}

	for i := 0; i < casRetries; i++ {
		err := r.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, redis.TxFailedErr
}

// UpdateProgress records a new progress value and stage label. Progress is
// monotonic while processing: smaller values are ignored silently (logged
// at debug). Terminal records are never mutated.
func (r *Registry) UpdateProgress(ctx context.Context, id string, progress int, stage string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	key := taskKey(id)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return nil
		}
		if progress < t.Progress {
			log.Debug().Str("task_id", id).Int("current", t.Progress).Int("proposed", progress).Msg("ignoring non-monotonic progress update")
			return nil
		}
		now := time.Now().UTC()
		t.Progress = progress
		if stage != "" {
			t.Stage = stage
		}
		t.UpdatedAt = now
		t.RecordProgress(progress, now)

		b, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, b, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}

	for i := 0; i < casRetries; i++ {
		err := r.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

// AnnotateStage rewrites the stage label of a live record without touching
// progress. Terminal records are left alone.
func (r *Registry) AnnotateStage(ctx context.Context, id, stage string) error {
	key := taskKey(id)

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var t task.Task
		if err := json.Unmarshal(data, &t); err != nil {
			return err
		}
		if t.Status.IsTerminal() {
			return nil
		}
		t.Stage = stage
		t.UpdatedAt = time.Now().UTC()

		b, err := json.Marshal(&t)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, key, b, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}

	for i := 0; i < casRetries; i++ {
		err := r.client.Watch(ctx, txn, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

// Delete removes the record and its session-index entry.
func (r *Registry) Delete(ctx context.Context, id, sessionID string) error {
	pipe := r.client.TxPipeline()
	del := pipe.Del(ctx, taskKey(id))
	pipe.SRem(ctx, sessionKey(sessionID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	if del.Val() == 0 {
		return ErrNotFound
	}
	return nil
}

// ScanTasks iterates every live task record, invoking fn for each. Records
// expiring mid-scan are skipped. fn returning an error stops the scan.
func (r *Registry) ScanTasks(ctx context.Context, fn func(*task.Task) error) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, "task:*", 100).Result()
		if err != nil {
			return err
		}
		for _, k := range keys {
			t, err := r.Get(ctx, strings.TrimPrefix(k, "task:"))
			if err == ErrNotFound {
				continue
			}
			if err != nil {
				return err
			}
			if err := fn(t); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Stats aggregates a session's task records.
type Stats struct {
	Total                int                 `json:"total"`
	ByStatus             map[task.Status]int `json:"by_status"`
	AvgCompletionSeconds float64             `json:"avg_completion_seconds"`
}

// Statistics returns per-status counts and the average completion time for
// the session.
func (r *Registry) Statistics(ctx context.Context, sessionID string) (Stats, error) {
	tasks, err := r.List(ctx, sessionID, "")
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ByStatus: map[task.Status]int{}}
	var sum float64
	var n int
	for _, t := range tasks {
		st.Total++
		st.ByStatus[t.Status]++
		if t.CompletedAt != nil {
			sum += t.CompletedAt.Sub(t.CreatedAt).Seconds()
			n++
		}
	}
	if n > 0 {
		st.AvgCompletionSeconds = sum / float64(n)
	}
	return st, nil
}
