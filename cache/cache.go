// Package cache keeps the local files materialized for cached streams.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultMaxEntries = 128

// Store is a directory of stream files indexed by URL. Once more than
// MaxEntries files are committed, the least recently used file is deleted.
type Store struct {
	dir    string
	owned  bool
	logger *slog.Logger

	mu    sync.Mutex
	index *lru.Cache[string, string]
}

// New opens a store in dir. An empty dir creates a private temporary
// directory that Close removes.
func New(dir string, maxEntries int, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}

	owned := false
	if dir == "" {
		tmp, err := os.MkdirTemp("", "browserstream-cache-")
		if err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		dir, owned = tmp, true
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	s := &Store{dir: dir, owned: owned, logger: logger.With("component", "cache")}
	index, err := lru.NewWithEvict[string, string](maxEntries, s.evicted)
	if err != nil {
		// lru only rejects non-positive sizes, which are guarded above.
		return nil, err
	}
	s.index = index
	return s, nil
}

// Dir returns the directory files are created in.
func (s *Store) Dir() string {
	return s.dir
}

// Create opens a new, empty file for the content of rawURL.
func (s *Store) Create(rawURL string) (*os.File, error) {
	f, err := os.CreateTemp(s.dir, filePattern(rawURL))
	if err != nil {
		return nil, fmt.Errorf("create cache file: %w", err)
	}
	return f, nil
}

// Commit records path as the cached copy of rawURL. A previously committed
// file for the same URL is deleted.
func (s *Store) Commit(rawURL, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.index.Peek(rawURL); ok && old != path {
		s.remove(old)
	}
	s.index.Add(rawURL, path)
}

// Lookup returns the committed file for rawURL if it still exists.
func (s *Store) Lookup(rawURL string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.index.Get(rawURL)
	if !ok {
		return "", false
	}
	if _, err := os.Stat(p); err != nil {
		s.index.Remove(rawURL)
		return "", false
	}
	return p, true
}

// Discard deletes a file that was created but never committed.
func (s *Store) Discard(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Len returns the number of committed files.
func (s *Store) Len() int {
	return s.index.Len()
}

// Purge deletes every committed file.
func (s *Store) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index.Purge()
}

// Close removes the directory if the store created it. Files in a
// configured directory are kept for the next run.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	s.Purge()
	return os.RemoveAll(s.dir)
}

func (s *Store) evicted(rawURL, path string) {
	s.logger.Debug("evicting cached stream", "url", rawURL, "path", path)
	s.remove(path)
}

func (s *Store) remove(path string) {
	if err := s.Discard(path); err != nil {
		s.logger.Warn("remove cache file failed", "path", path, "error", err)
	}
}

// filePattern derives a readable temp file pattern from the last URL path segment.
func filePattern(rawURL string) string {
	name := "stream"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			name = base
		}
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	stem = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, stem)
	if len(stem) > 48 {
		stem = stem[:48]
	}
	if strings.ContainsAny(ext, `*/\`) || len(ext) > 16 {
		ext = ""
	}
	return stem + "-*" + ext
}
