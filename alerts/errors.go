package alerts

import (
	"errors"
	"fmt"
)

// Calculation failure kinds. Per-dependency match failures are never returned;
// they are counted on the summary.
var (
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrSnapshotNotReady = errors.New("snapshot not ready")
	ErrCanceled         = errors.New("calculation canceled")
)

// CalcError is returned by a failed calculation. Alerts saved before the
// failure stay saved, and the calculation can be rerun.
type CalcError struct {
	Kind       error
	SnapshotID string
	Err        error
}

func (e *CalcError) Error() string {
	return fmt.Sprintf("calculate alerts for snapshot %s: %v: %v", e.SnapshotID, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause
func (e *CalcError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func calcErr(kind error, snapshotID string, err error) error {
	return &CalcError{Kind: kind, SnapshotID: snapshotID, Err: err}
}
