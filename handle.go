package browserstream

import (
	"weak"

	"github.com/google/uuid"
)

// Handle is a non-owning reference to a stream. It resolves to "gone" as
// soon as the stream's Destroyed event has been dispatched, even if the
// stream object is still reachable elsewhere.
type Handle struct {
	id  uuid.UUID
	gen uint64
	ptr weak.Pointer[stream]
}

func newHandle(s *stream) Handle {
	return Handle{
		id:  s.id,
		gen: s.gen.Load(),
		ptr: weak.Make(s),
	}
}

// ID returns the stream identifier. It stays valid after the stream is gone.
func (h Handle) ID() uuid.UUID {
	return h.id
}

// Resolve returns the stream while it is alive.
func (h Handle) Resolve() (BrowserStream, bool) {
	if h.gen == 0 {
		return nil, false
	}
	s := h.ptr.Value()
	if s == nil || s.gen.Load() != h.gen {
		return nil, false
	}
	return s, true
}

// Alive reports whether Resolve would succeed.
func (h Handle) Alive() bool {
	_, ok := h.Resolve()
	return ok
}

// IsZero reports whether h was never bound to a stream.
func (h Handle) IsZero() bool {
	return h.gen == 0 && h.id == uuid.Nil
}
