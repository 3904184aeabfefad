package cache

import (
	"errors"
	"fmt"

	"geneatlas/internal/model"
)

// ErrNotReady marks data that could not be made available locally. The
// dataset may exist; the backing store is unavailable or unreadable.
var ErrNotReady = errors.New("cache: not ready")

// NotReadyError carries the dataset and the underlying cause.
type NotReadyError struct {
	Dataset model.DatasetID
	Err     error
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("cache: dataset %s not ready: %v", e.Dataset, e.Err)
}

func (e *NotReadyError) Unwrap() error { return e.Err }

func (e *NotReadyError) Is(target error) bool { return target == ErrNotReady }

func notReady(id model.DatasetID, err error) error {
	return &NotReadyError{Dataset: id, Err: err}
}
