// Package jsonl provides the append-only JSON Lines plumbing shared by the
// MiniSOC pipeline: the server's events.jsonl archive, the agent's
// suspicious-activity log, and the replay driver's scenario reader.
//
// # Append semantics
//
// Each record is one JSON document terminated by '\n'. The underlying file
// is opened with os.O_APPEND | os.O_CREATE | os.O_WRONLY so every write is
// appended atomically by the OS; records are small enough that a single
// write(2) suffices in practice.
//
// # Reader semantics
//
// ForEach skips blank lines and lines whose first non-space byte is '#', so
// scenario files can carry comments. Line numbers reported to the callback
// are physical, 1-based positions for use in error messages.
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// maxLineBytes bounds a single JSONL record on read. Normalized events are a
// few hundred bytes; 10 MiB leaves room for pathological raw lines.
const maxLineBytes = 10 * 1024 * 1024

// Writer is a mutex-serialised, append-only JSON Lines file writer. Create
// one with OpenWriter; do not copy after first use.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// OpenWriter opens (or creates) the JSONL file at path for appending,
// creating parent directories as needed.
func OpenWriter(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("jsonl: create dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("jsonl: open %q: %w", path, err)
	}
	return &Writer{file: f, path: path}, nil
}

// Append writes one pre-marshalled JSON document as a single line. The
// caller owns the content; Append only adds the trailing newline.
func (w *Writer) Append(record []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line := make([]byte, 0, len(record)+1)
	line = append(line, record...)
	line = append(line, '\n')
	if _, err := w.file.Write(line); err != nil {
		return fmt.Errorf("jsonl: append to %q: %w", w.path, err)
	}
	return nil
}

// AppendValue marshals v and appends it as one line.
func (w *Writer) AppendValue(v any) error {
	record, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("jsonl: marshal record: %w", err)
	}
	return w.Append(record)
}

// Path returns the file path the writer appends to.
func (w *Writer) Path() string {
	return w.path
}

// Close flushes OS buffers and closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return fmt.Errorf("jsonl: sync %q: %w", w.path, err)
	}
	return w.file.Close()
}

// ForEach streams the JSONL file at path through fn, skipping blank and
// comment lines. It stops at the first callback error and returns it
// wrapped with the offending line number.
func ForEach(path string, fn func(lineNo int, record []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("jsonl: open %q: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := fn(lineNo, []byte(line)); err != nil {
			return fmt.Errorf("jsonl: %s:%d: %w", path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("jsonl: scan %q: %w", path, err)
	}
	return nil
}
