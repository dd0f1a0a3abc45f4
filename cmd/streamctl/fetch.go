package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/OpenListTeam/browserstream"
)

func newFetchCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <url> [url...]",
		Short: "Download one or more URLs through browser streams",
		Long: `Download URLs and report the stream lifecycle.

With a single URL the body goes to --out, or stdout when --out is empty.
With several URLs --out names a directory and every body is written to a
file named after its URL.

Examples:
  streamctl fetch https://example.com/file.bin --out file.bin
  streamctl fetch https://example.com/a https://example.com/b --out downloads
  streamctl fetch https://example.com/video --seekable --range 0-1024 --range 4096-8192 --out video`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runFetch(cmd.Context(), args)
		},
	}
	f := cmd.Flags()
	f.BoolVar(&c.cache, "cache", false, "keep a local cache file of each body")
	f.BoolVar(&c.seekable, "seekable", false, "ask for a seekable stream")
	f.StringArrayVar(&c.ranges, "range", nil, "byte range start-end (end exclusive), repeatable")
	f.StringVarP(&c.out, "out", "o", "", "output file, or directory with several URLs")
	return cmd
}

func (c *cli) runFetch(ctx context.Context, urls []string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ranges, err := c.parseRanges()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(ctx)
	defer stop()

	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil {
			s.logger.Warn("shutdown", "error", cerr)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	for i, raw := range urls {
		target, err := c.outputFor(raw, i, len(urls))
		if err != nil {
			return err
		}
		job := &fetchJob{
			url:    raw,
			target: target,
			ranges: ranges,
			logger: s.logger.With("url", raw),
			done:   make(chan struct{}),
		}
		g.Go(func() error {
			return job.run(gctx, s.host, browserstream.Request{
				URL:                raw,
				Cache:              c.cache,
				Seekable:           c.seekable || len(ranges) > 0,
				InternalBufferSize: c.bufferSize,
			})
		})
	}
	return g.Wait()
}

// outputFor returns the output path for the i-th of n URLs; "" is stdout.
func (c *cli) outputFor(raw string, i, n int) (string, error) {
	if n == 1 {
		return c.out, nil
	}
	dir := c.out
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	name := fmt.Sprintf("stream-%d", i)
	if u, err := url.Parse(raw); err == nil {
		if base := path.Base(u.Path); base != "/" && base != "." && base != "" {
			name = fmt.Sprintf("%d-%s", i, base)
		}
	}
	return filepath.Join(dir, name), nil
}

// fetchJob writes one stream to its target and waits for the body and all
// requested ranges.
type fetchJob struct {
	browserstream.NopHooks

	url    string
	target string
	ranges []browserstream.Range
	logger *slog.Logger

	out   io.Writer
	outAt io.WriterAt

	mu         sync.Mutex
	rangesLeft int
	completed  bool
	err        error
	done       chan struct{}
	once       sync.Once
}

func (j *fetchJob) run(ctx context.Context, host *browserstream.Host, req browserstream.Request) error {
	if j.target == "" {
		j.out = os.Stdout
	} else {
		f, err := os.Create(j.target)
		if err != nil {
			return err
		}
		defer f.Close()
		j.out, j.outAt = f, f
	}

	stream, err := host.CreateStream(req, browserstream.NewDefaultHandler(j))
	if err != nil {
		return fmt.Errorf("%s: %w", j.url, err)
	}
	defer stream.Close()

	select {
	case <-j.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	j.mu.Lock()
	err = j.err
	j.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%s: %w", j.url, err)
	}

	props := stream.Properties()
	attrs := []any{"bytes", props.Length, "mime", props.MimeType}
	if sum, err := stream.Checksum(); err == nil {
		attrs = append(attrs, "sha256", sum)
	}
	if props.CacheFilename != "" {
		attrs = append(attrs, "cache_file", props.CacheFilename)
	} else if p, ok := host.Env().Cache.Lookup(j.url); ok {
		attrs = append(attrs, "cache_file", p)
	}
	j.logger.Info("fetched", attrs...)
	return nil
}

func (j *fetchJob) finish() {
	j.once.Do(func() { close(j.done) })
}

func (j *fetchJob) fail(err error) {
	j.mu.Lock()
	if j.err == nil {
		j.err = err
	}
	j.mu.Unlock()
	j.finish()
}

func (j *fetchJob) OnStreamOpened(ev *browserstream.Event, s browserstream.BrowserStream) bool {
	j.logger.Debug("opened", "length", s.Length(), "seekable", s.IsSeekable(), "mime", s.MimeType())
	if len(j.ranges) == 0 {
		return true
	}
	ranges := clampRanges(j.ranges, s.Length())
	if err := s.ReadRanges(ranges); err != nil {
		j.logger.Warn("ranges not requested", "error", err)
		return true
	}
	j.mu.Lock()
	j.rangesLeft = len(ranges)
	j.mu.Unlock()
	return true
}

func (j *fetchJob) OnStreamFailedOpen(ev *browserstream.Event, _ browserstream.BrowserStream) bool {
	j.fail(fmt.Errorf("open failed: %w", ev.Err))
	return true
}

func (j *fetchJob) OnStreamDataArrived(ev *browserstream.Event, _ browserstream.BrowserStream) bool {
	var err error
	switch {
	case ev.Ranged && j.outAt != nil:
		_, err = j.outAt.WriteAt(ev.Data, ev.Offset)
	case ev.Ranged:
		j.logger.Info("range data", "offset", ev.Offset, "bytes", ev.Length())
	case j.outAt != nil:
		_, err = j.outAt.WriteAt(ev.Data, ev.Offset)
	default:
		_, err = j.out.Write(ev.Data)
	}
	if err != nil {
		j.fail(err)
		return true
	}

	if ev.Ranged && ev.EndOfStream {
		j.mu.Lock()
		j.rangesLeft--
		done := j.completed && j.rangesLeft <= 0
		j.mu.Unlock()
		if done {
			j.finish()
		}
	}
	return true
}

func (j *fetchJob) OnStreamCompleted(ev *browserstream.Event, _ browserstream.BrowserStream) bool {
	if !ev.Success {
		j.fail(fmt.Errorf("transfer failed: %w", ev.Err))
		return true
	}
	j.mu.Lock()
	j.completed = true
	done := j.rangesLeft <= 0
	j.mu.Unlock()
	if done {
		j.finish()
	}
	return true
}

func (j *fetchJob) OnStreamDestroyed(*browserstream.Event, browserstream.BrowserStream) bool {
	j.finish()
	return true
}

// clampRanges trims ranges to a known length and drops the ones past it.
func clampRanges(ranges []browserstream.Range, length int64) []browserstream.Range {
	if length <= 0 {
		return ranges
	}
	out := make([]browserstream.Range, 0, len(ranges))
	for _, r := range ranges {
		if r.Start >= length {
			continue
		}
		r.End = min(r.End, length)
		out = append(out, r)
	}
	return out
}
