package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/local/invoiceimposer/internal/impose"
	"github.com/local/invoiceimposer/internal/storage"
	"github.com/local/invoiceimposer/internal/task"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want task.ErrorKind
	}{
		{"bad input", &impose.BadInputError{File: "x.pdf", Err: errors.New("broken")}, task.ErrBadInput},
		{"wrapped bad input", fmt.Errorf("compose: %w", &impose.BadInputError{File: "x.pdf", Err: errors.New("broken")}), task.ErrBadInput},
		{"empty batch", impose.ErrEmptyBatch, task.ErrBadInput},
		{"bad archive", storage.ErrBadArchive, task.ErrBadInput},
		{"zip slip", storage.ErrZipSlip, task.ErrBadInput},
		{"memory ceiling", impose.ErrOversize, task.ErrOversize},
		{"zip bomb", storage.ErrZipBomb, task.ErrOversize},
		{"file too large", storage.ErrTooLarge, task.ErrOversize},
		{"deadline", context.DeadlineExceeded, task.ErrTimeout},
		{"anything else", errors.New("redis connection reset"), task.ErrInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, classify(tc.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(task.ErrInternal))
	assert.False(t, retryable(task.ErrBadInput))
	assert.False(t, retryable(task.ErrOversize))
	assert.False(t, retryable(task.ErrTimeout))
	assert.False(t, retryable(task.ErrShutdown))
}
