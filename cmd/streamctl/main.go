package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/OpenListTeam/browserstream"
	"github.com/OpenListTeam/browserstream/config"
	"github.com/OpenListTeam/browserstream/file"
	bshttp "github.com/OpenListTeam/browserstream/http"
	"github.com/OpenListTeam/browserstream/internal/logging"
	"github.com/OpenListTeam/browserstream/moniker"
)

type cli struct {
	v          *viper.Viper
	configPath string
	transport  string
	cache      bool
	seekable   bool
	ranges     []string
	out        string
	bufferSize int

	logger *slog.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:           "streamctl",
		Short:         "Drive browser streams from the command line",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&c.configPath, "config", "c", "", "config file (yaml, json or toml)")
	pf.StringVar(&c.transport, "transport", "push", "http transport: push or moniker")
	pf.IntVar(&c.bufferSize, "buffer-size", 0, "per stream buffer size hint")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.Bool("metrics", false, "serve prometheus metrics while running")
	_ = c.v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = c.v.BindPFlag("metrics.enabled", pf.Lookup("metrics"))

	root.AddCommand(newFetchCommand(c), newPutCommand(c))
	return root
}

// session is a running host plus its optional metrics endpoint.
type session struct {
	host    *browserstream.Host
	metrics *http.Server
	logger  *slog.Logger
}

func (c *cli) open(ctx context.Context) (*session, error) {
	cfg, err := config.LoadWith(c.v, c.configPath)
	if err != nil {
		return nil, err
	}
	logger := logging.New(cfg.Log, os.Stderr)
	c.logger = logger

	opts := []browserstream.Option{browserstream.WithLogger(logger)}
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		opts = append(opts, browserstream.WithRegisterer(reg))
	}

	host, err := browserstream.NewHost(cfg, opts...)
	if err != nil {
		return nil, err
	}
	s := &session{host: host, logger: logger}

	switch strings.ToLower(c.transport) {
	case "push", "":
		err = bshttp.Register(host)
	case "moniker":
		err = moniker.Register(host)
	default:
		err = fmt.Errorf("unknown transport %q", c.transport)
	}
	if err == nil {
		err = file.Register(host)
	}
	if err != nil {
		_ = host.Close(ctx)
		return nil, err
	}

	if reg != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		s.metrics = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := s.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
		logger.Info("serving metrics", "addr", cfg.Metrics.Listen)
	}
	return s, nil
}

func (s *session) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var errs []error
	if s.metrics != nil {
		errs = append(errs, s.metrics.Shutdown(ctx))
	}
	errs = append(errs, s.host.Close(ctx))
	return errors.Join(errs...)
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// parseRange reads "start-end" with an exclusive end.
func parseRange(s string) (browserstream.Range, error) {
	a, b, ok := strings.Cut(s, "-")
	if !ok {
		return browserstream.Range{}, fmt.Errorf("range %q: want start-end", s)
	}
	start, err := strconv.ParseInt(strings.TrimSpace(a), 10, 64)
	if err != nil {
		return browserstream.Range{}, fmt.Errorf("range %q: %w", s, err)
	}
	end, err := strconv.ParseInt(strings.TrimSpace(b), 10, 64)
	if err != nil {
		return browserstream.Range{}, fmt.Errorf("range %q: %w", s, err)
	}
	r := browserstream.Range{Start: start, End: end}
	if !r.Valid() {
		return browserstream.Range{}, fmt.Errorf("range %q: %w", s, browserstream.ErrInvalidRange)
	}
	return r, nil
}

func (c *cli) parseRanges() ([]browserstream.Range, error) {
	ranges := make([]browserstream.Range, 0, len(c.ranges))
	for _, s := range c.ranges {
		r, err := parseRange(s)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, r)
	}
	return ranges, nil
}
