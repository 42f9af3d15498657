package engine

import (
	"errors"
	"fmt"

	"idremap/internal/modifier"
	"idremap/internal/snapshot"
	"idremap/internal/store"
)

// Status is the integer code the entry points return. Non-negative is
// success.
type Status int32

const (
	StatusOK               Status = 0
	StatusPartial          Status = 1
	StatusPermissionDenied Status = -1
	StatusStorage          Status = -2
	StatusInvalidHandle    Status = -3
	StatusNotInitialized   Status = -4
	StatusInvalidInput     Status = -5
	StatusInternal         Status = -6
	// StatusUnavailable: no enabled kind had a real attribute to remap and
	// nothing was denied.
	StatusUnavailable      Status = -7
)

func (s Status) OK() bool { return s >= 0 }

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusPartial:
		return "partial"
	case StatusPermissionDenied:
		return "permission-denied"
	case StatusStorage:
		return "storage-failure"
	case StatusInvalidHandle:
		return "invalid-handle"
	case StatusNotInitialized:
		return "not-initialized"
	case StatusInvalidInput:
		return "invalid-input"
	case StatusInternal:
		return "internal-error"
	case StatusUnavailable:
		return "unavailable"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

var (
	ErrNotInitialized = errors.New("engine: not initialized")
	ErrClosed         = errors.New("engine: closed")
)

// StatusOf classifies err.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrNotInitialized), errors.Is(err, modifier.ErrNotInitialized), errors.Is(err, ErrClosed):
		return StatusNotInitialized
	case errors.Is(err, modifier.ErrInvalidInput):
		return StatusInvalidInput
	case errors.Is(err, snapshot.ErrUnknownHandle):
		return StatusInvalidHandle
	case errors.Is(err, store.ErrStorage), errors.Is(err, store.ErrSealed), errors.Is(err, store.ErrClosed):
		return StatusStorage
	default:
		return StatusInternal
	}
}

// Result is the outcome of ModifyParams: a value or a classified failure.
type Result struct {
	Value  int32
	Status Status
	Err    error
}

func (r Result) OK() bool { return r.Err == nil }

// Int32 returns the value, or the negative status on failure.
func (r Result) Int32() int32 {
	if r.Err != nil {
		return int32(r.Status)
	}
	return r.Value
}
