package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	reconnectAfterFailures = 3
	defaultMaxReadBytes    = 4 << 20
)

// FileSource gives byte-level access to one watched file
type FileSource interface {
	// Size returns the current size; a missing file has size 0
	Size(ctx context.Context) (int64, error)
	// ReadRange returns up to length bytes starting at offset
	ReadRange(ctx context.Context, offset, length int64) ([]byte, error)
	// TailLines returns the last n lines of the first size bytes
	TailLines(ctx context.Context, size int64, n int) ([]byte, error)
}

// Reconnector forces a fresh session to a host
type Reconnector interface {
	Reconnect(ctx context.Context, host string) error
}

// LineHandler receives complete lines in file order
type LineHandler func(ctx context.Context, target WatchTarget, line string)

// TailState is the read position of one tailer
type TailState struct {
	Target       WatchTarget `json:"target"`
	Offset       int64       `json:"offset"`
	Bootstrapped bool        `json:"bootstrapped"`
	Discarding   bool        `json:"discarding,omitempty"` // inside an oversized line
	Failures     int         `json:"failures"`
	LastPoll     time.Time   `json:"last_poll,omitempty"`
	LastError    string      `json:"last_error,omitempty"`
}

// TailerOptions configures a Tailer
type TailerOptions struct {
	Interval       time.Duration
	BootstrapLines int
	MaxLineLength  int
	MaxReadBytes   int64 // per ReadRange call
	Reconnector    Reconnector // nil for local files
	Metrics        *Metrics
	Logger         *zap.Logger
}

// Tailer incrementally reads one WatchTarget. Poll and Run must not be
// called concurrently.
type Tailer struct {
	target  WatchTarget
	src     FileSource
	handler LineHandler
	opts    TailerOptions
	logger  *zap.Logger

	mu    sync.RWMutex
	state TailState
}

// NewTailer creates a tailer for target reading from src
func NewTailer(target WatchTarget, src FileSource, handler LineHandler, opts TailerOptions) *Tailer {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.BootstrapLines < 0 {
		opts.BootstrapLines = 0
	}
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = 8192
	}
	if opts.MaxReadBytes <= 0 {
		opts.MaxReadBytes = defaultMaxReadBytes
	}
	if opts.MaxReadBytes <= int64(opts.MaxLineLength) {
		opts.MaxReadBytes = int64(opts.MaxLineLength) + 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Tailer{
		target:  target,
		src:     src,
		handler: handler,
		opts:    opts,
		logger: opts.Logger.With(
			zap.String("host", target.Host),
			zap.String("path", target.Path),
			zap.String("kind", string(target.Kind))),
		state: TailState{Target: target},
	}
}

// State returns a snapshot of the read position
func (t *Tailer) State() TailState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Target returns the watched target
func (t *Tailer) Target() WatchTarget {
	return t.target
}

// Poll runs one size check and delivers any new complete lines. New data is
// read in chunks of at most MaxReadBytes.
func (t *Tailer) Poll(ctx context.Context) error {
	size, err := t.src.Size(ctx)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", t.target.Path, err)
	}

	t.mu.RLock()
	offset, bootstrapped, discarding := t.state.Offset, t.state.Bootstrapped, t.state.Discarding
	t.mu.RUnlock()

	switch {
	case size < offset:
		t.logger.Info("log rotation detected", zap.Int64("offset", offset), zap.Int64("size", size))
		t.setPosition(0, bootstrapped, false)
		return nil
	case size == offset:
		if !bootstrapped {
			t.setPosition(offset, true, discarding)
		}
		return nil
	}

	if !bootstrapped {
		data, err := t.bootstrap(ctx, size)
		if err != nil {
			return err
		}
		// Everything before the bootstrap window counts as delivered
		next, discarding := t.consume(ctx, size-int64(len(data)), data, false)
		t.setPosition(next, true, discarding)
		return nil
	}

	for offset < size {
		length := min(size-offset, t.opts.MaxReadBytes)
		data, err := t.src.ReadRange(ctx, offset, length)
		if err != nil {
			return fmt.Errorf("failed to read %s at %d: %w", t.target.Path, offset, err)
		}
		if len(data) == 0 {
			return nil
		}

		next, skip := t.consume(ctx, offset, data, discarding)
		t.setPosition(next, true, skip)
		if int64(len(data)) < length || next == offset {
			return nil
		}
		offset, discarding = next, skip
	}
	return nil
}

// consume delivers the complete lines of data read at offset and returns the
// next offset. While discarding, bytes up to the first '\n' belong to a line
// that was already skipped. A trailing fragment longer than MaxLineLength is
// skipped and the tailer keeps discarding until its end is seen.
func (t *Tailer) consume(ctx context.Context, offset int64, data []byte, discarding bool) (int64, bool) {
	if discarding {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			return offset + int64(len(data)), true
		}
		offset += int64(i + 1)
		data = data[i+1:]
	}

	lines, consumed := splitCompleteLines(data)
	next := offset + consumed
	if pending := int64(len(data)) - consumed; pending > int64(t.opts.MaxLineLength) {
		t.logger.Warn("skipping oversized partial line", zap.Int64("bytes", pending))
		next = offset + int64(len(data))
		discarding = true
	} else {
		discarding = false
	}

	for _, line := range lines {
		t.handler(ctx, t.target, line)
	}
	return next, discarding
}

// bootstrap returns the last BootstrapLines lines of the first size bytes
func (t *Tailer) bootstrap(ctx context.Context, size int64) ([]byte, error) {
	if t.opts.BootstrapLines == 0 {
		return nil, nil
	}
	data, err := t.src.TailLines(ctx, size, t.opts.BootstrapLines)
	if err != nil {
		return nil, fmt.Errorf("failed to read tail of %s: %w", t.target.Path, err)
	}
	if int64(len(data)) > size {
		data = data[int64(len(data))-size:]
	}
	return data, nil
}

func (t *Tailer) setPosition(offset int64, bootstrapped, discarding bool) {
	t.mu.Lock()
	t.state.Offset = offset
	t.state.Bootstrapped = bootstrapped
	t.state.Discarding = discarding
	t.mu.Unlock()
}

// splitCompleteLines splits data on '\n' and returns the complete lines
// and the number of bytes they span. A trailing fragment is left unconsumed.
func splitCompleteLines(data []byte) ([]string, int64) {
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil, 0
	}

	var lines []string
	for _, raw := range bytes.Split(data[:end], []byte{'\n'}) {
		line := strings.TrimRight(string(raw), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, int64(end + 1)
}

// tick polls once and tracks consecutive failures
func (t *Tailer) tick(ctx context.Context) {
	err := t.Poll(ctx)

	t.mu.Lock()
	t.state.LastPoll = time.Now()
	if err == nil {
		t.state.Failures = 0
		t.state.LastError = ""
		t.mu.Unlock()
		return
	}
	t.state.Failures++
	t.state.LastError = err.Error()
	failures := t.state.Failures
	if failures >= reconnectAfterFailures {
		t.state.Failures = 0
	}
	t.mu.Unlock()

	if ctx.Err() != nil {
		return
	}
	t.opts.Metrics.pollFailure(t.target.Host)
	t.logger.Warn("poll failed", zap.Int("failures", failures), zap.Error(err))

	if failures >= reconnectAfterFailures && t.opts.Reconnector != nil {
		t.logger.Info("forcing reconnect after consecutive poll failures")
		if err := t.opts.Reconnector.Reconnect(ctx, t.target.Host); err != nil {
			t.logger.Warn("reconnect failed", zap.Error(err))
		}
	}
}

// Run polls until ctx is cancelled. Local files are also watched with
// fsnotify; the ticker stays as the backstop.
func (t *Tailer) Run(ctx context.Context) {
	var events <-chan fsnotify.Event
	var watchErrors <-chan error

	if t.target.Host == LocalHost {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			t.logger.Warn("file watcher unavailable, polling only", zap.Error(err))
		} else {
			defer watcher.Close()
			if err := watcher.Add(filepath.Dir(t.target.Path)); err != nil {
				t.logger.Warn("failed to watch directory, polling only", zap.Error(err))
			} else {
				events = watcher.Events
				watchErrors = watcher.Errors
			}
		}
	}

	t.tick(ctx)

	ticker := time.NewTicker(t.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if !t.relevant(ev) {
				continue
			}
			t.drain(events)
			t.tick(ctx)
		case err, ok := <-watchErrors:
			if !ok {
				watchErrors = nil
				continue
			}
			t.logger.Debug("file watcher error", zap.Error(err))
		}
	}
}

func (t *Tailer) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != filepath.Clean(t.target.Path) {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove)
}

// drain discards queued events so a burst of writes costs one poll
func (t *Tailer) drain(events <-chan fsnotify.Event) {
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// localFile reads a file on this machine
type localFile struct {
	path string
}

func (f *localFile) Size(_ context.Context) (int64, error) {
	info, err := os.Stat(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (f *localFile) ReadRange(_ context.Context, offset, length int64) ([]byte, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	buf := make([]byte, length)
	n, err := file.ReadAt(buf, offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:n], nil
}

func (f *localFile) TailLines(_ context.Context, size int64, n int) ([]byte, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	// Grow a window backwards from size until it holds n line breaks
	// before the final line, or reaches the start of the file.
	window := int64(4096)
	for {
		start := size - window
		if start < 0 {
			start = 0
		}
		buf := make([]byte, size-start)
		read, err := file.ReadAt(buf, start)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		buf = buf[:read]

		if cut, ok := lastLinesStart(buf, n); ok {
			return buf[cut:], nil
		}
		if start == 0 {
			return buf, nil
		}
		window *= 2
	}
}

// lastLinesStart returns the index where the last n lines of buf begin. It
// reports false when buf does not contain enough line breaks to be sure.
func lastLinesStart(buf []byte, n int) (int, bool) {
	end := len(buf)
	if end > 0 && buf[end-1] == '\n' {
		end--
	}
	for i := end - 1; i >= 0; i-- {
		if buf[i] == '\n' {
			n--
			if n == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}

// remoteFile reads a file through shell commands on a host
type remoteFile struct {
	runner CommandRunner
	host   string
	path   string
}

func (f *remoteFile) Size(ctx context.Context) (int64, error) {
	q := shellQuote(f.path)
	res := f.runner.Run(ctx, f.host, fmt.Sprintf("if [ -f %s ]; then stat -c %%s %s; else echo 0; fi", q, q))
	if !res.OK {
		return 0, res.Err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(res.Output), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected size output %q: %w", strings.TrimSpace(res.Output), err)
	}
	return size, nil
}

func (f *remoteFile) ReadRange(ctx context.Context, offset, length int64) ([]byte, error) {
	res := f.runner.Run(ctx, f.host, fmt.Sprintf("tail -c +%d %s | head -c %d", offset+1, shellQuote(f.path), length))
	if !res.OK {
		return nil, res.Err
	}
	return []byte(res.Output), nil
}

func (f *remoteFile) TailLines(ctx context.Context, size int64, n int) ([]byte, error) {
	res := f.runner.Run(ctx, f.host, fmt.Sprintf("head -c %d %s | tail -n %d", size, shellQuote(f.path), n))
	if !res.OK {
		return nil, res.Err
	}
	return []byte(res.Output), nil
}
