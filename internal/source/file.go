package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	defaultFilePollInterval = 200 * time.Millisecond
	tailReadBufferSize      = 64 * 1024
)

// FileFollower tails an auth log file and survives logrotate. It reads
// whole lines only; bytes after the last newline stay buffered until the
// writer finishes the line. On every empty read it compares the open
// handle against the path on disk and reopens when the file was swapped,
// seeking to the new end in live mode.
//
// In replay mode the file is read once from the start and the Lines
// channel closes at EOF, including a trailing unterminated line if the
// file has one.
type FileFollower struct {
	path      string
	mode      Mode
	fromStart bool
	interval  time.Duration
	logger    *slog.Logger

	file  *os.File
	lines chan string

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Follower = (*FileFollower)(nil)

// NewFileFollower builds a follower for path. A non-positive interval
// falls back to the 200ms default. Replay mode always starts from the
// beginning of the file.
func NewFileFollower(path string, mode Mode, fromStart bool, interval time.Duration, logger *slog.Logger) *FileFollower {
	if interval <= 0 {
		interval = defaultFilePollInterval
	}
	if mode == ModeReplay {
		fromStart = true
	}
	return &FileFollower{
		path:      path,
		mode:      mode,
		fromStart: fromStart,
		interval:  interval,
		logger:    logger,
		lines:     make(chan string, 64),
		done:      make(chan struct{}),
	}
}

// Start opens the file and begins producing lines. In live mode without
// fromStart the follower seeks to EOF first so only new activity is seen.
func (f *FileFollower) Start(ctx context.Context) error {
	file, err := os.Open(f.path)
	if err != nil {
		return fmt.Errorf("source: open tail target %q: %w", f.path, err)
	}
	if f.mode == ModeLive && !f.fromStart {
		if _, err := file.Seek(0, io.SeekEnd); err != nil {
			_ = file.Close()
			return fmt.Errorf("source: seek tail target %q: %w", f.path, err)
		}
	}
	f.file = file
	f.wg.Add(1)
	go f.run(ctx)
	return nil
}

// Stop terminates the follower and waits for the producer goroutine. It
// is safe to call more than once.
func (f *FileFollower) Stop() {
	f.stopOnce.Do(func() { close(f.done) })
	f.wg.Wait()
}

// Lines returns the channel of complete log lines, newline stripped. The
// channel closes when the follower stops or a replay reaches EOF.
func (f *FileFollower) Lines() <-chan string {
	return f.lines
}

func (f *FileFollower) run(ctx context.Context) {
	defer f.wg.Done()
	defer close(f.lines)
	defer func() { _ = f.file.Close() }()

	reader := bufio.NewReaderSize(f.file, tailReadBufferSize)
	var partial strings.Builder
	for {
		chunk, err := reader.ReadString('\n')
		if err == nil {
			line := partial.String() + strings.TrimSuffix(chunk, "\n")
			partial.Reset()
			if !f.emit(ctx, line) {
				return
			}
			continue
		}
		if chunk != "" {
			partial.WriteString(chunk)
		}
		if !errors.Is(err, io.EOF) {
			f.logger.Warn("source: tail read failed", "path", f.path, "error", err)
		}
		if f.mode == ModeReplay {
			if partial.Len() > 0 {
				f.emit(ctx, partial.String())
			}
			return
		}
		rotated, rerr := f.maybeReopen()
		switch {
		case rerr != nil:
			// The path can vanish briefly mid-rotation. Keep the old
			// handle and try again next tick.
			f.logger.Debug("source: tail target unavailable", "path", f.path, "error", rerr)
		case rotated:
			reader = bufio.NewReaderSize(f.file, tailReadBufferSize)
			if partial.Len() > 0 {
				f.logger.Debug("source: dropping partial line from rotated file", "path", f.path)
				partial.Reset()
			}
		}
		if !f.sleep(ctx) {
			return
		}
	}
}

// maybeReopen reports whether the path now names a different file than
// the open handle and, if so, swaps the handle. Live mode seeks the new
// file to EOF, matching the initial open.
func (f *FileFollower) maybeReopen() (bool, error) {
	current, err := f.file.Stat()
	if err != nil {
		return false, err
	}
	onDisk, err := os.Stat(f.path)
	if err != nil {
		return false, err
	}
	if os.SameFile(current, onDisk) {
		return false, nil
	}
	replacement, err := os.Open(f.path)
	if err != nil {
		return false, err
	}
	if f.mode == ModeLive {
		if _, err := replacement.Seek(0, io.SeekEnd); err != nil {
			_ = replacement.Close()
			return false, err
		}
	}
	_ = f.file.Close()
	f.file = replacement
	f.logger.Info("source: tail target rotated, reopened", "path", f.path)
	return true, nil
}

func (f *FileFollower) emit(ctx context.Context, line string) bool {
	select {
	case f.lines <- line:
		return true
	case <-f.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (f *FileFollower) sleep(ctx context.Context) bool {
	select {
	case <-time.After(f.interval):
		return true
	case <-f.done:
		return false
	case <-ctx.Done():
		return false
	}
}
