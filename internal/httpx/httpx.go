// Package httpx holds the request plumbing shared by the HTTP based transports.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"sort"
	"strings"
	"sync"

	"github.com/OpenListTeam/browserstream"
	backoff "github.com/cenkalti/backoff/v4"
)

// ErrRangeIgnored is returned when a server answers a range request with the full body.
var ErrRangeIgnored = errors.New("server ignored range request")

// Do sends a single request and returns the response of a 2xx answer.
// Any other outcome is a *browserstream.TransportError.
func Do(ctx context.Context, env *browserstream.TransportEnv, sr browserstream.Request, method, byteRange string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, sr.URL, body)
	if err != nil {
		return nil, &browserstream.TransportError{URL: sr.URL, Op: method, Err: fmt.Errorf("%w: %v", browserstream.ErrInvalidURL, err)}
	}
	for key, value := range sr.Headers {
		req.Header.Set(key, value)
	}
	if ua := env.Config.HTTP.UserAgent; ua != "" && req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", ua)
	}
	if byteRange != "" {
		req.Header.Set("Range", byteRange)
	}

	resp, err := env.Client.Do(req)
	if err != nil {
		return nil, &browserstream.TransportError{URL: sr.URL, Op: method, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &browserstream.TransportError{URL: sr.URL, Op: method, StatusCode: resp.StatusCode}
	}
	return resp, nil
}

// WithConnected returns a context whose requests call fn once, when the
// client holds a connection to the server.
func WithConnected(ctx context.Context, fn func()) context.Context {
	var once sync.Once
	return httptrace.WithClientTrace(ctx, &httptrace.ClientTrace{
		GotConn: func(httptrace.GotConnInfo) { once.Do(fn) },
	})
}

// Open is Do with retries for temporary failures, bounded by the retry config.
func Open(ctx context.Context, env *browserstream.TransportEnv, sr browserstream.Request, method, byteRange string) (*http.Response, error) {
	var resp *http.Response
	attempt := 0
	op := func() error {
		attempt++
		r, err := Do(ctx, env, sr, method, byteRange, nil)
		if err != nil {
			if ctx.Err() != nil || !browserstream.IsTemporary(err) {
				return backoff.Permanent(err)
			}
			env.Logger.Debug("open attempt failed", "url", sr.URL, "attempt", attempt, "error", err)
			return err
		}
		resp = r
		return nil
	}
	if err := backoff.Retry(op, newBackOff(ctx, env.Config.Retry)); err != nil {
		return nil, err
	}
	return resp, nil
}

func newBackOff(ctx context.Context, cfg browserstream.RetryConfig) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	if cfg.InitialInterval > 0 {
		exp.InitialInterval = cfg.InitialInterval
	}
	exp.MaxElapsedTime = cfg.MaxElapsedTime
	var b backoff.BackOff = exp
	if cfg.MaxAttempts > 0 {
		b = backoff.WithMaxRetries(b, cfg.MaxAttempts-1)
	}
	return backoff.WithContext(b, ctx)
}

// Info extracts what a stream learns from a response. The stream is
// seekable when it was requested and the server accepts byte ranges.
func Info(resp *http.Response, wantSeekable bool) browserstream.OpenInfo {
	return browserstream.OpenInfo{
		Seekable: wantSeekable && AcceptsRanges(resp),
		Length:   max(resp.ContentLength, 0),
		MimeType: mimeType(resp.Header.Get("Content-Type")),
		Headers:  FormatHeaders(resp),
	}
}

// AcceptsRanges reports whether the server advertised byte range support.
func AcceptsRanges(resp *http.Response) bool {
	for _, v := range resp.Header.Values("Accept-Ranges") {
		if strings.EqualFold(strings.TrimSpace(v), "bytes") {
			return true
		}
	}
	return false
}

// FormatHeaders renders the status line and headers, one per line, with
// header names sorted.
func FormatHeaders(resp *http.Response) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", resp.Proto, resp.Status)
	keys := make([]string, 0, len(resp.Header))
	for k := range resp.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range resp.Header[k] {
			fmt.Fprintf(&b, "%s: %s\n", k, v)
		}
	}
	return b.String()
}

// RangeHeader formats r as an HTTP Range header value.
func RangeHeader(r browserstream.Range) string {
	return fmt.Sprintf("bytes=%d-%d", r.Start, r.End-1)
}

func mimeType(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(contentType)
}
