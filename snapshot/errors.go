package snapshot

import (
	"errors"
	"fmt"
)

// Ingestion failure kinds. Match with errors.Is.
var (
	ErrComponentResolutionFailed = errors.New("component resolution failed")
	ErrStoreUnavailable          = errors.New("store unavailable")
	ErrInvalidState              = errors.New("invalid snapshot state")
)

// IngestError is returned by a failed ingestion. The snapshot itself carries
// the failed state and the same message.
type IngestError struct {
	Kind       error
	SnapshotID string
	Err        error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest snapshot %s: %v: %v", e.SnapshotID, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause
func (e *IngestError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
