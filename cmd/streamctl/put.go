package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/OpenListTeam/browserstream"
)

// writeRetry is how long put waits before offering a rejected chunk again.
const writeRetry = 5 * time.Millisecond

func newPutCommand(c *cli) *cobra.Command {
	var (
		in     string
		method string
	)
	cmd := &cobra.Command{
		Use:   "put <url>",
		Short: "Upload a file, or stdin, through a writable stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPut(cmd.Context(), args[0], in, method)
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "input file (stdin when empty)")
	cmd.Flags().StringVar(&method, "method", "PUT", "upload method: PUT or POST")
	return cmd
}

func (c *cli) runPut(ctx context.Context, target, in, method string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signalContext(ctx)
	defer stop()

	var src io.Reader = os.Stdin
	if in != "" {
		f, err := os.Open(in)
		if err != nil {
			return err
		}
		defer f.Close()
		src = f
	}

	s, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.close(); cerr != nil {
			s.logger.Warn("shutdown", "error", cerr)
		}
	}()

	job := &putJob{
		opened: make(chan struct{}),
		done:   make(chan error, 1),
	}
	stream, err := s.host.CreateStream(browserstream.Request{
		URL:                target,
		Method:             method,
		InternalBufferSize: c.bufferSize,
	}, browserstream.NewDefaultHandler(job))
	if err != nil {
		return err
	}
	defer stream.Close()

	select {
	case <-job.opened:
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}

	written, err := upload(ctx, stream, src, stream.InternalBufferSize())
	if err != nil {
		return err
	}
	select {
	case err := <-job.done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	sum, _ := stream.Checksum()
	s.logger.Info("uploaded", "url", target, "bytes", written, "sha256", sum)
	return nil
}

// upload feeds src into the stream, offering rejected bytes again until the
// transport accepts them, and ends the body with a zero-length write.
func upload(ctx context.Context, stream browserstream.BrowserStream, src io.Reader, size int) (int64, error) {
	buf := make([]byte, size)
	var total int64
	for {
		n, rerr := src.Read(buf)
		pending := buf[:n]
		for len(pending) > 0 {
			res, err := stream.Write(pending)
			if err != nil {
				return total, err
			}
			total += int64(res.Written)
			pending = pending[res.Written:]
			if res.Done {
				break
			}
			select {
			case <-time.After(writeRetry):
			case <-ctx.Done():
				return total, ctx.Err()
			}
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return total, rerr
		}
	}
	if _, err := stream.Write(nil); err != nil {
		return total, fmt.Errorf("end upload: %w", err)
	}
	return total, nil
}

type putJob struct {
	browserstream.NopHooks
	opened chan struct{}
	done   chan error
}

func (j *putJob) OnStreamOpened(*browserstream.Event, browserstream.BrowserStream) bool {
	close(j.opened)
	return true
}

func (j *putJob) OnStreamFailedOpen(ev *browserstream.Event, _ browserstream.BrowserStream) bool {
	j.report(fmt.Errorf("open failed: %w", ev.Err))
	return true
}

func (j *putJob) OnStreamCompleted(ev *browserstream.Event, _ browserstream.BrowserStream) bool {
	if ev.Success {
		j.report(nil)
	} else {
		j.report(fmt.Errorf("upload failed: %w", ev.Err))
	}
	return true
}

// report keeps the first outcome; handlers must never block the loop.
func (j *putJob) report(err error) {
	select {
	case j.done <- err:
	default:
	}
}
