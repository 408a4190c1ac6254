package feed

import (
	"errors"
	"fmt"
)

// Import failure kinds. Match with errors.Is.
var (
	ErrCorruptArchive     = errors.New("corrupt archive")
	ErrSchemaMismatch     = errors.New("schema mismatch")
	ErrTooManyInvalidRows = errors.New("too many invalid rows")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrFetchFailed        = errors.New("fetch failed")
	ErrCanceled           = errors.New("import canceled")
)

// ImportError is returned by every failed import or fetch
type ImportError struct {
	Kind error
	Err  error
}

func (e *ImportError) Error() string {
	if e.Err == nil {
		return "import: " + e.Kind.Error()
	}
	return fmt.Sprintf("import: %v: %v", e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As
func (e *ImportError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func importErr(kind error, format string, args ...interface{}) error {
	return &ImportError{Kind: kind, Err: fmt.Errorf(format, args...)}
}
