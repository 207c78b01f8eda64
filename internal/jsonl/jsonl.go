// Package jsonl provides durable line-delimited JSON logs: append with fsync,
// tolerant scanning of torn final lines, and atomic rewrite.
package jsonl

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

const maxLineSize = 64 << 20

// Log is an append-only JSONL file. Appends are serialized and each one is
// synced before Append returns.
type Log struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenLog opens or creates the log at path. A trailing partial record (torn
// write from a crash) is truncated; such a record was never acknowledged.
func OpenLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	if err := truncateTorn(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Log{path: path, f: f}, nil
}

func truncateTorn(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat log: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}
	const window = 64 * 1024
	end := size
	buf := make([]byte, window)
	for end > 0 {
		start := end - window
		if start < 0 {
			start = 0
		}
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && err != io.EOF {
			return fmt.Errorf("read log tail: %w", err)
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			keep := start + int64(i) + 1
			if keep == size {
				return nil
			}
			return truncateTo(f, keep)
		}
		end = start
	}
	return truncateTo(f, 0)
}

func truncateTo(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("truncate torn record: %w", err)
	}
	return f.Sync()
}

// Path returns the file path of the log.
func (l *Log) Path() string {
	return l.path
}

// Append writes v as one JSON line and syncs the file.
func (l *Log) Append(v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	line = append(line, '\n')
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("log closed: %s", l.path)
	}
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("append record: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync log: %w", err)
	}
	return nil
}

// Replace atomically rewrites the log with the given records and reopens it
// for appending.
func (l *Log) Replace(records func(emit func(v any) error) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := WriteFile(l.path, records); err != nil {
		return err
	}
	if l.f != nil {
		_ = l.f.Close()
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		l.f = nil
		return fmt.Errorf("reopen log: %w", err)
	}
	l.f = f
	return nil
}

// Close closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// LineError reports a record that could not be decoded.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// Scan calls fn for each non-blank line of the file at path. A missing file
// yields no lines. An error from fn on the final, unterminated line is
// ignored (torn write); on any other line it is returned as a *LineError.
func Scan(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	return ScanReader(f, fn)
}

// ScanReader is Scan over an arbitrary reader.
func ScanReader(r io.Reader, fn func(line []byte) error) error {
	br := bufio.NewReaderSize(r, 64*1024)
	n := 0
	for {
		line, err := readLine(br)
		if len(line) == 0 && err == io.EOF {
			return nil
		}
		if err != nil && err != io.EOF {
			return fmt.Errorf("read line %d: %w", n+1, err)
		}
		n++
		torn := err == io.EOF
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			if ferr := fn(trimmed); ferr != nil && !torn {
				return &LineError{Line: n, Err: ferr}
			}
		}
		if torn {
			return nil
		}
	}
}

// readLine returns one line without its newline. io.EOF is returned together
// with the final line when it is not newline-terminated.
func readLine(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineSize {
			return nil, fmt.Errorf("line exceeds %d bytes", maxLineSize)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err != nil {
			return buf, err
		}
		return buf[:len(buf)-1], nil
	}
}

// Decode is a Scan callback helper that unmarshals each line into a fresh T.
func Decode[T any](fn func(T) error) func([]byte) error {
	return func(line []byte) error {
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			return err
		}
		return fn(v)
	}
}

// WriteFile atomically replaces path with the records emitted by records:
// they are written to a temporary file in the same directory, synced, and
// renamed over path.
func WriteFile(path string, records func(emit func(v any) error) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := records(enc.Encode); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("flush temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
