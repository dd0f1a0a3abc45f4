package browserstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnsupported       = errors.New("unsupported operation")
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	ErrInvalidURL        = errors.New("invalid url")
	ErrInvalidRange      = errors.New("invalid byte range")
	ErrNotSeekable       = errors.New("stream is not seekable")
	ErrNotWritable       = errors.New("stream is not writable")
	ErrNotOpen           = errors.New("stream is not open")
	ErrNotCompleted      = errors.New("stream has not completed")
	ErrCompleted         = errors.New("stream already completed")
	ErrClosed            = errors.New("stream is closed")
	ErrAlreadyClosed     = errors.New("stream already closed")
	ErrHostClosed        = errors.New("host is closed")
	ErrDuplicateScheme   = errors.New("duplicate transport for scheme")
)

// TransportError describes a failure reported by a host transport.
type TransportError struct {
	URL        string
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %d %s", e.Op, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary reports whether retrying the operation may succeed.
// Connection level failures, 5xx and 429 answers are temporary.
func (e *TransportError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return e.Err != nil && !errors.Is(e.Err, context.Canceled)
	case e.StatusCode == http.StatusTooManyRequests:
		return true
	case e.StatusCode >= 500:
		return true
	default:
		return false
	}
}

// IsTemporary reports whether err wraps a temporary TransportError.
func IsTemporary(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Temporary()
	}
	return false
}
