package core

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure for retry and reporting decisions.
type ErrorKind string

// Failure classifications. Every error crossing a stage boundary carries
// exactly one of these.
const (
	KindInvalidInput      ErrorKind = "invalid_input"
	KindSynthesis         ErrorKind = "synthesis_error"
	KindNoFaceDetected    ErrorKind = "no_face_detected"
	KindRestoration       ErrorKind = "restoration_error"
	KindMux               ErrorKind = "mux_error"
	KindResourceExhausted ErrorKind = "resource_exhausted"
	KindInternal          ErrorKind = "internal"
)

// Policy is the orchestrator's response to an error kind.
type Policy int

const (
	// PolicyFatal terminates the job with the originating error attached.
	PolicyFatal Policy = iota
	// PolicyRetry retries the failed stage with exponential backoff, up to
	// a bounded attempt count.
	PolicyRetry
	// PolicyDegrade substitutes a lesser result for the failed item and
	// records a warning instead of failing the job.
	PolicyDegrade
)

// PolicyFor returns the declared handling policy for an error kind. The table
// is consulted uniformly by the orchestrator; stages never implement their own
// job-level retry behavior.
func PolicyFor(kind ErrorKind) Policy {
	switch kind {
	case KindResourceExhausted:
		return PolicyRetry
	case KindRestoration:
		return PolicyDegrade
	case KindInvalidInput, KindSynthesis, KindNoFaceDetected, KindMux, KindInternal:
		return PolicyFatal
	default:
		return PolicyFatal
	}
}

// PipelineError is a classified failure with the stage it originated from.
type PipelineError struct {
	Kind  ErrorKind
	Stage string
	Err   error
}

// NewPipelineError wraps err with a classification and originating stage.
func NewPipelineError(kind ErrorKind, stage string, err error) *PipelineError {
	return &PipelineError{
		Kind:  kind,
		Stage: stage,
		Err:   err,
	}
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s [%s]: %v", e.Stage, e.Kind, e.Err)
}

// Unwrap exposes the originating error for errors.Is / errors.As.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// WrapStage attaches a classification and originating stage to err. An error
// that already carries a classification is returned unchanged, so a transient
// fault raised deep inside a stage keeps its retry policy at the orchestrator.
func WrapStage(kind ErrorKind, stage string, err error) error {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return err
	}

	return NewPipelineError(kind, stage, err)
}

// KindOf extracts the classification of an error, defaulting to KindInternal
// for unclassified failures.
func KindOf(err error) ErrorKind {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Kind
	}

	return KindInternal
}

// StageOf extracts the originating stage of an error, or an empty string when
// the error is unclassified.
func StageOf(err error) string {
	var perr *PipelineError
	if errors.As(err, &perr) {
		return perr.Stage
	}

	return ""
}
