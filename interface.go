package browserstream

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() int64 {
	if r.End <= r.Start {
		return 0
	}
	return r.End - r.Start
}

// Valid reports whether the range is non-empty and starts at a non-negative offset.
func (r Range) Valid() bool {
	return r.Start >= 0 && r.End > r.Start
}

// Request is the construction contract handed to a host when a stream is created.
type Request struct {
	URL                string            `json:"url"`
	Cache              bool              `json:"cache,omitempty"`    // host must persist a local copy
	Seekable           bool              `json:"seekable,omitempty"` // hint, the transport decides
	InternalBufferSize int               `json:"internal_buffer_size,omitempty"`
	Method             string            `json:"method,omitempty"` // GET by default, PUT or POST upload
	Headers            map[string]string `json:"headers,omitempty"`
}

// IsUpload reports whether the request pushes data to the URL.
func (r Request) IsUpload() bool {
	switch strings.ToUpper(r.Method) {
	case http.MethodPut, http.MethodPost:
		return true
	default:
		return false
	}
}

// Properties is a snapshot of the state a host transport reported for a stream.
type Properties struct {
	URL                string `json:"url"`
	Seekable           bool   `json:"seekable"`
	Cached             bool   `json:"cached"`
	InternalBufferSize int    `json:"internal_buffer_size"`
	CacheFilename      string `json:"cache_filename,omitempty"`
	Length             int64  `json:"length,omitempty"`
	MimeType           string `json:"mime_type,omitempty"`
	Headers            string `json:"headers,omitempty"`
	Completed          bool   `json:"completed"`
	Opened             bool   `json:"opened"`
}

// OpenInfo carries the facts a transport learned when the transfer started.
type OpenInfo struct {
	Seekable bool
	Length   int64
	MimeType string
	Headers  string
}

// WriteResult reports the outcome of a single Write.
// Done is true once every byte handed to that Write was accepted.
type WriteResult struct {
	Written int
	Done    bool
}

// BrowserStream is one download or upload against a URL, performed by the
// hosting environment. All operations return immediately; results arrive as
// events on the host loop.
type BrowserStream interface {
	ID() uuid.UUID
	Handle() Handle

	ReadRange(start, end int64) error // only on seekable streams
	ReadRanges(ranges []Range) error
	Write(p []byte) (WriteResult, error) // zero-length write ends an upload
	Close() error

	Attach(h Handler, kinds ...EventKind) *Subscription
	Detach(sub *Subscription) bool

	URL() string
	IsSeekable() bool
	IsCached() bool
	IsCompleted() bool
	IsOpen() bool
	MimeType() string
	CacheFilename() string
	Headers() string
	InternalBufferSize() int
	Length() int64
	Properties() Properties
	Checksum() (string, error)
}

// Controller is the only writer of stream state. A host transport receives
// it at construction and reports what the native transfer does. Methods may
// be called from any goroutine but a transport must call them from one
// goroutine per transfer to keep the reports ordered.
type Controller interface {
	Opened(info OpenInfo)
	FailedOpen(err error)
	Data(offset int64, data []byte, eos bool)
	RangeData(r Range, offset int64, data []byte, eos bool)
	RangeFailed(r Range, err error)
	Completed(err error)
	CacheFileReady(path string)
}

// Transport is a host specific implementation of the native transfer.
// None of its methods may block on network I/O. Start is called on the host
// loop, so it must hand the transfer to its own goroutines before reporting
// data through the Controller.
type Transport interface {
	Start(ctx context.Context)
	RequestRanges(ranges []Range) error
	Write(p []byte) (int, error)
	Close() error
}
