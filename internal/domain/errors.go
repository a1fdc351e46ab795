package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrInvalidParams       = errors.New("invalid params")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrDuplicateSubmission = errors.New("duplicate submission")
	ErrRemoteSubmission    = errors.New("remote submission failed")
	ErrArtifactTooLarge    = errors.New("artifact too large")
)

// IngestError wraps a failure to fetch or store a remote artifact. Retryable
// distinguishes transient conditions (timeouts, 5xx) from permanent ones
// (404, oversize) so callers know whether another attempt can help.
type IngestError struct {
	Err       error
	Retryable bool
}

func (e *IngestError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("ingest (%s): %v", kind, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// IsRetryableIngest reports whether err is a retryable ingestion failure.
func IsRetryableIngest(err error) bool {
	var ie *IngestError
	return errors.As(err, &ie) && ie.Retryable
}
