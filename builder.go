package browserstream

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/OpenListTeam/browserstream/cache"
	"golang.org/x/time/rate"
)

// TransportEnv is what a host shares with every transport it builds.
type TransportEnv struct {
	Config  Config
	Logger  *slog.Logger
	Client  *http.Client
	Cache   *cache.Store
	Limiter *rate.Limiter // nil when throttling is disabled
}

// BufferSize resolves the per stream buffer hint against the host default.
func (e *TransportEnv) BufferSize(req Request) int {
	return e.Config.bufferSize(req.InternalBufferSize)
}

// TransportFactory builds the host specific transport for one stream.
// ctrl is the only way the transport may change stream state.
type TransportFactory func(env *TransportEnv, req Request, ctrl Controller) (Transport, error)

// RegisterTransport binds a factory to a URL scheme on this host.
func (h *Host) RegisterTransport(scheme string, create TransportFactory) error {
	scheme = strings.ToLower(scheme)
	if scheme == "" || create == nil {
		return fmt.Errorf("register transport %q: %w", scheme, ErrUnsupported)
	}
	h.factoryMu.Lock()
	defer h.factoryMu.Unlock()

	if _, ok := h.factories[scheme]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateScheme, scheme)
	}
	h.factories[scheme] = create
	return nil
}

// Schemes returns the schemes this host can open.
func (h *Host) Schemes() []string {
	h.factoryMu.RLock()
	defer h.factoryMu.RUnlock()

	out := make([]string, 0, len(h.factories))
	for s := range h.factories {
		out = append(out, s)
	}
	return out
}

func (h *Host) factoryFor(rawURL string) (TransportFactory, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" {
		return nil, "", fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	scheme := strings.ToLower(u.Scheme)

	h.factoryMu.RLock()
	create, ok := h.factories[scheme]
	h.factoryMu.RUnlock()
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}
	return create, scheme, nil
}
