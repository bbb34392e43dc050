// Package tail discovers log files in a directory and reads lines appended
// to them since the last poll.
package tail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modoterra/tripwire/pkg/core"
)

// DefaultPatterns matches the host application's log files.
var DefaultPatterns = []string{"tk-*.log"}

// DefaultInterval is the pause between poll cycles.
const DefaultInterval = 500 * time.Millisecond

// Cursor is the read position kept for one tracked file.
type Cursor struct {
	Path   string
	Offset int64
	info   os.FileInfo
}

// Source tails every file in Dir matching one of Patterns.
type Source struct {
	dir      string
	patterns []string
	interval time.Duration
	now      func() time.Time
	open     func(string) (*os.File, error)
	logger   *slog.Logger

	mu      sync.Mutex
	cursors map[string]*Cursor
}

// Option configures a Source.
type Option func(*Source)

// WithPatterns overrides DefaultPatterns.
func WithPatterns(patterns ...string) Option {
	return func(s *Source) {
		if len(patterns) > 0 {
			s.patterns = patterns
		}
	}
}

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(s *Source) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock sets the function used to timestamp events.
func WithClock(now func() time.Time) Option {
	return func(s *Source) { s.now = now }
}

// New creates a Source for dir.
func New(dir string, logger *slog.Logger, opts ...Option) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{
		dir:      dir,
		patterns: DefaultPatterns,
		interval: DefaultInterval,
		now:      time.Now,
		open:     os.Open,
		logger:   logger,
		cursors:  make(map[string]*Cursor),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the monitored directory.
func (s *Source) Dir() string { return s.dir }

// Run polls until ctx is cancelled. fn sees every event of a cycle, in
// order, before the next cycle starts; cycle, if non-nil, runs after each.
func (s *Source) Run(ctx context.Context, fn func(core.LineEvent), cycle func()) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		for _, ev := range s.Poll() {
			if ctx.Err() != nil {
				return
			}
			fn(ev)
		}
		if cycle != nil {
			cycle()
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll runs one cycle: discover new files, then read complete lines that
// were appended to each tracked file. Events are ordered by path and then
// by position within the file.
func (s *Source) Poll() []core.LineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.discover()

	paths := make([]string, 0, len(s.cursors))
	for p := range s.cursors {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var events []core.LineEvent
	for _, p := range paths {
		evs, err := s.read(s.cursors[p])
		events = append(events, evs...)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				s.logger.Debug("log file gone, dropping cursor", "path", p)
				delete(s.cursors, p)
				continue
			}
			s.logger.Debug("read skipped", "path", p, "err", err)
		}
	}
	return events
}

// Cursors returns a snapshot of tracked positions, sorted by path.
func (s *Source) Cursors() []Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Cursor, 0, len(s.cursors))
	for _, c := range s.cursors {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// discover registers newly seen files at their current end so existing
// content is never replayed.
func (s *Source) discover() {
	seen := make(map[string]struct{})
	for _, pat := range s.patterns {
		matches, err := filepath.Glob(filepath.Join(s.dir, pat))
		if err != nil {
			s.logger.Warn("bad glob pattern", "pattern", pat, "err", err)
			continue
		}
		for _, m := range matches {
			seen[m] = struct{}{}
		}
	}

	for p := range seen {
		if _, ok := s.cursors[p]; ok {
			continue
		}
		info, err := stat(p)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		s.cursors[p] = &Cursor{Path: p, Offset: info.Size(), info: info}
		s.logger.Info("tracking log file", "path", p, "offset", info.Size())
	}
}

func (s *Source) read(c *Cursor) ([]core.LineEvent, error) {
	info, err := stat(c.Path)
	if err != nil {
		return nil, err
	}

	switch {
	case !os.SameFile(c.info, info):
		s.logger.Info("log file rotated", "path", c.Path)
		c.Offset = 0
	case info.Size() < c.Offset:
		s.logger.Info("log file truncated", "path", c.Path, "size", info.Size(), "offset", c.Offset)
		c.Offset = 0
	}
	c.info = info

	if info.Size() == c.Offset {
		return nil, nil
	}

	f, err := s.open(c.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if _, err := f.Seek(c.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek %s: %w", c.Path, err)
	}

	var events []core.LineEvent
	r := bufio.NewReader(f)
	offset := c.Offset
	for {
		raw, err := r.ReadBytes('\n')
		if err != nil {
			// A trailing fragment without a newline is left for the next cycle.
			if errors.Is(err, io.EOF) {
				break
			}
			return events, commit(c, offset, err)
		}
		offset += int64(len(raw))
		events = append(events, core.LineEvent{
			Path:       c.Path,
			Text:       decodeLine(raw),
			Offset:     offset,
			DetectedAt: s.now(),
		})
	}
	c.Offset = offset
	return events, nil
}

// stat is os.Stat with the file identity resolved immediately. On Windows
// os.Stat loads the volume and index lazily from the path, which would
// name the replacement file after a rotation.
func stat(path string) (os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	os.SameFile(info, info)
	return info, nil
}

// commit keeps the lines already read when a read fails halfway.
func commit(c *Cursor, offset int64, err error) error {
	c.Offset = offset
	return fmt.Errorf("read %s: %w", c.Path, err)
}

// decodeLine trims the line terminator and drops invalid UTF-8 sequences.
func decodeLine(raw []byte) string {
	line := strings.TrimRight(string(raw), "\r\n")
	return strings.ToValidUTF8(line, "")
}
