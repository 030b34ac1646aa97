package messagepipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a pipeline failure. Every kind except Validation leaves
// the message on the queue for redelivery.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	// KindValidation is a malformed message or missing required field.
	KindValidation
	// KindTransientQueue is a queue receive, publish or delete failure.
	KindTransientQueue
	// KindRawWrite is a raw store write failure. Normalization is not attempted.
	KindRawWrite
	// KindNormalization is an unknown source or a payload the normalizer rejects.
	KindNormalization
	// KindNormalizedWrite is a normalized store failure after a successful raw
	// write. The raw record exists without its normalized counterpart.
	KindNormalizedWrite
	// KindProcessingTimeout is a per-message deadline that expired.
	KindProcessingTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransientQueue:
		return "transient_queue"
	case KindRawWrite:
		return "raw_write"
	case KindNormalization:
		return "normalization"
	case KindNormalizedWrite:
		return "normalized_write"
	case KindProcessingTimeout:
		return "processing_timeout"
	default:
		return "unknown"
	}
}

// PipelineError is the explicit failure returned by the item pipeline and the
// poller. Stage is the state the message had reached when it failed.
type PipelineError struct {
	Kind      ErrorKind
	Stage     State
	MessageID string
	Err       error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("%s error at %s for message %s: %v", e.Kind, e.Stage, e.MessageID, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

func newPipelineError(kind ErrorKind, stage State, messageID string, err error) *PipelineError {
	return &PipelineError{Kind: kind, Stage: stage, MessageID: messageID, Err: err}
}

// KindOf returns the ErrorKind carried by err, or KindUnknown.
func KindOf(err error) ErrorKind {
	var pErr *PipelineError
	if errors.As(err, &pErr) {
		return pErr.Kind
	}
	return KindUnknown
}

// ErrAccumulatorClosed is returned by Submit after Shutdown has begun.
var ErrAccumulatorClosed = errors.New("accumulator is shut down")

// permanentError marks a batch item failure that retrying cannot fix.
type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent wraps err so the Accumulator reports it to the caller immediately
// instead of re-queueing the item.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}
