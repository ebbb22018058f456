package core

import "time"

// Result is the tagged outcome of one unit of work.
//
// Exactly one of Value or Err is meaningful: Err == nil means success.
// Attempts and Elapsed are diagnostics and are set on both paths.
type Result[T any] struct {
	Value    T
	Err      *Failure
	Attempts int
	Elapsed  time.Duration
}

// OK reports whether the result carries a value.
func (r Result[T]) OK() bool { return r.Err == nil }

// Succeed builds a successful result.
func Succeed[T any](v T, attempts int, elapsed time.Duration) Result[T] {
	return Result[T]{Value: v, Attempts: attempts, Elapsed: elapsed}
}

// Fail builds a failed result. f.Attempts is filled in if unset.
func Fail[T any](f *Failure, attempts int, elapsed time.Duration) Result[T] {
	if f != nil && f.Attempts == 0 {
		f.Attempts = attempts
	}
	return Result[T]{Err: f, Attempts: attempts, Elapsed: elapsed}
}

// Status is the terminal status of an AnnotationResult.
type Status string

const (
	StatusSucceeded         Status = "Succeeded"
	StatusFailedPermanently Status = "FailedPermanently"

	// StatusFailedRetryable is observable only while the gateway is still
	// retrying. It never appears on a persisted result.
	StatusFailedRetryable Status = "FailedRetryable"
)

// AnnotationResult is the outcome of processing one item.
type AnnotationResult struct {
	ItemID     string
	Width      int
	Height     int
	Detections []Detection
	Duration   time.Duration
	Status     Status
	Attempts   int

	// Failure is set when Status is FailedPermanently.
	Failure *Failure
	Issues  []Issue
}
