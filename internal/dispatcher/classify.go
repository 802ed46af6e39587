package dispatcher

import (
	"context"
	"errors"

	"github.com/local/invoiceimposer/internal/impose"
	"github.com/local/invoiceimposer/internal/storage"
	"github.com/local/invoiceimposer/internal/task"
)

// classify maps a processing failure onto the error taxonomy stored on the
// task record. Context errors are handled by the caller before this runs.
func classify(err error) task.ErrorKind {
	var bad *impose.BadInputError
	switch {
	case errors.As(err, &bad),
		errors.Is(err, impose.ErrEmptyBatch),
		errors.Is(err, storage.ErrBadArchive),
		errors.Is(err, storage.ErrZipSlip):
		return task.ErrBadInput
	case errors.Is(err, impose.ErrOversize),
		errors.Is(err, storage.ErrZipBomb),
		errors.Is(err, storage.ErrTooLarge):
		return task.ErrOversize
	case errors.Is(err, context.DeadlineExceeded):
		return task.ErrTimeout
	default:
		return task.ErrInternal
	}
}

// retryable reports whether the failure kind is worth an automatic retry.
// Input problems are deterministic: retrying cannot help.
func retryable(kind task.ErrorKind) bool {
	return kind == task.ErrInternal
}
