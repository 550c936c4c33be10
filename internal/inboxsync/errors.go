package inboxsync

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrTransient        = errors.New("transient network error")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("version conflict")
	ErrValidation       = errors.New("invalid mutation")
	ErrBusy             = errors.New("mutation already in flight")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrClosed           = errors.New("session closed")
)

type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: transient network error", e.Op)
	}
	return fmt.Sprintf("%s: transient network error: %v", e.Op, e.Err)
}

func (e *TransientError) Is(target error) bool {
	return target == ErrTransient
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

type NotFoundError struct {
	ItemID string
}

func (e *NotFoundError) Error() string {
	if e.ItemID == "" {
		return "not found"
	}
	return fmt.Sprintf("item %s not found", e.ItemID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

type ConflictError struct {
	ItemID string
}

func (e *ConflictError) Error() string {
	if e.ItemID == "" {
		return "version conflict"
	}
	return fmt.Sprintf("version conflict for %s", e.ItemID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

type ValidationError struct {
	ItemID string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.ItemID == "" {
		return "invalid mutation: " + e.Reason
	}
	return fmt.Sprintf("invalid mutation for %s: %s", e.ItemID, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

type errorClass int

const (
	classFatal errorClass = iota
	classTransient
	classNotFound
	classConflict
)

// classify maps gateway failures onto the handling taxonomy. Deadline
// expiry is a timeout and therefore transient; caller cancellation is not.
func classify(err error) errorClass {
	switch {
	case errors.Is(err, ErrNotFound):
		return classNotFound
	case errors.Is(err, ErrConflict):
		return classConflict
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return classTransient
	default:
		return classFatal
	}
}
