package output

import (
	"io"
	"os"
	"sync"
)

// ResultWriter is the interface for anything that accepts results.
type ResultWriter interface {
	Write(res *Result) error
}

// Open returns a writer for path in format. "-" streams to stdout in
// batches; any other path is appended to.
func Open(path, format string) (ResultWriter, error) {
	if path == "-" {
		return NewStdoutWriter(format, 0)
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	f, err := NewFormatter(format, file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return NewClosingWriter(f, file), nil
}

// ClosingWriter wraps a Formatter with a mutex and an io.Closer (typically a file).
type ClosingWriter struct {
	fmt    Formatter
	closer io.Closer
	mu     sync.Mutex
}

// NewClosingWriter creates a ResultWriter that closes the underlying resource on Close.
func NewClosingWriter(f Formatter, c io.Closer) *ClosingWriter {
	return &ClosingWriter{fmt: f, closer: c}
}

func (w *ClosingWriter) Write(res *Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.fmt.Write(res); err != nil {
		return err
	}
	return w.fmt.Flush()
}

func (w *ClosingWriter) Close() error {
	w.mu.Lock()
	w.fmt.Flush()
	w.mu.Unlock()
	return w.closer.Close()
}

// OutputSink fans out results to multiple writers.
type OutputSink struct {
	mu      sync.Mutex
	writers []ResultWriter
}

func NewOutputSink() *OutputSink {
	return &OutputSink{}
}

func (s *OutputSink) Add(w ResultWriter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writers = append(s.writers, w)
}

// Write hands res to every writer and returns the first error; a failing
// writer does not stop the others.
func (s *OutputSink) Write(res *Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, w := range s.writers {
		if err := w.Write(res); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes all writers that implement io.Closer.
func (s *OutputSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, w := range s.writers {
		if c, ok := w.(io.Closer); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
