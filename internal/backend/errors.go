package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Class buckets every failure an adapter can report. The dispatcher's retry
// decision keys off the class alone; backend-specific detail stays behind
// the adapter boundary.
type Class int

const (
	// ClassTransient covers network trouble, timeouts and a backend that is
	// not ready yet. Retryable up to the policy ceiling.
	ClassTransient Class = iota
	// ClassFatalInput marks corrupt or unsupported source material. Never
	// retried; the input will not get better.
	ClassFatalInput
	// ClassFatalBackend marks a crashed or unreachable backend. Retried at
	// most once, after an explicit restart of the backend.
	ClassFatalBackend
	// ClassFatalUpload marks an upload that failed after processing
	// succeeded. Tracked as its own terminal state, never as a job failure.
	ClassFatalUpload
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassFatalInput:
		return "fatal_input"
	case ClassFatalBackend:
		return "fatal_backend"
	case ClassFatalUpload:
		return "fatal_upload"
	}
	return "unknown"
}

// Error is the classified failure adapters return.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func NewError(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// Classify extracts the class from an error. Deadline and network errors
// map to transient; anything unclassified is treated as transient so an
// unexpected failure still gets a bounded number of retries rather than
// failing a job outright.
func Classify(err error) Class {
	var be *Error
	if errors.As(err, &be) {
		return be.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return ClassTransient
	}
	return ClassTransient
}
