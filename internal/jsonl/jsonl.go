// Package jsonl appends to and reads newline-delimited JSON files, used to
// record live event streams and to load recorded history.
package jsonl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
)

// maxLine bounds a single record; message bodies can be large.
const maxLine = 4 << 20

// Writer appends JSON values to a file, one per line. The file is locked
// for each append so concurrent recorders never interleave lines.
type Writer struct {
	path string
	mu   sync.Mutex
	file *os.File
}

// NewWriter opens path for appending, creating it and its parent
// directories if needed.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) //nolint:gosec // G304 - path from CLI flag
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Writer{path: path, file: f}, nil
}

// Append marshals v and writes it as one line.
func (w *Writer) Append(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	data = append(data, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("append to %s: writer closed", w.path)
	}

	if err := syscall.Flock(int(w.file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("lock file: %w", err)
	}
	defer func() { _ = syscall.Flock(int(w.file.Fd()), syscall.LOCK_UN) }()

	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("append to %s: %w", w.path, err)
	}
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		w.file = nil
		return fmt.Errorf("sync %s: %w", w.path, err)
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// Line is one record read from a file.
type Line struct {
	N    int
	Data json.RawMessage
}

// Reader reads JSONL files.
type Reader struct {
	path string
}

// NewReader creates a reader for an existing file.
func NewReader(path string) (*Reader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	return &Reader{path: path}, nil
}

// ReadAll reads every non-empty line.
func (r *Reader) ReadAll() ([]Line, error) {
	var lines []Line
	err := r.scan(context.Background(), func(l Line) bool {
		lines = append(lines, l)
		return true
	})
	return lines, err
}

// Stream sends lines on the returned channel until the file ends or ctx is
// done. The error channel receives at most one error and is closed with
// the line channel.
func (r *Reader) Stream(ctx context.Context) (<-chan Line, <-chan error) {
	ch := make(chan Line)
	errc := make(chan error, 1)

	go func() {
		defer close(errc)
		defer close(ch)
		err := r.scan(ctx, func(l Line) bool {
			select {
			case ch <- l:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil {
			errc <- err
		}
	}()
	return ch, errc
}

func (r *Reader) scan(ctx context.Context, fn func(Line) bool) error {
	file, err := os.Open(r.path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	// Acquire shared lock for reading
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_SH); err != nil {
		return fmt.Errorf("lock file: %w", err)
	}
	defer func() { _ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN) }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLine)
	n := 0
	for scanner.Scan() {
		n++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Copy: the scanner reuses its buffer.
		data := make(json.RawMessage, len(line))
		copy(data, line)
		if !fn(Line{N: n, Data: data}) {
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s line %d: %w", r.path, n+1, err)
	}
	return nil
}
