package output

import (
	"bufio"
	"io"
	"os"
)

// StreamWriter streams batched, formatted results to a stream, normally
// stdout.
type StreamWriter struct {
	batch *batchWriter
	out   *bufio.Writer
}

// NewStdoutWriter creates a writer that batches results in format and
// flushes them to stdout.
func NewStdoutWriter(format string, batchSize int) (*StreamWriter, error) {
	return NewStreamWriter(os.Stdout, format, batchSize)
}

// NewStreamWriter is NewStdoutWriter for any stream.
func NewStreamWriter(w io.Writer, format string, batchSize int) (*StreamWriter, error) {
	if _, err := NewFormatter(format, io.Discard); err != nil {
		return nil, err
	}
	sw := &StreamWriter{
		out: bufio.NewWriterSize(w, 32768),
	}
	newFmt := func(w io.Writer) Formatter {
		f, _ := NewFormatter(format, w)
		return f
	}
	sw.batch = newBatchWriter(batchSize, newFmt, func(data []byte) error {
		if _, err := sw.out.Write(data); err != nil {
			return err
		}
		return sw.out.Flush()
	})
	return sw, nil
}

func (w *StreamWriter) Write(res *Result) error {
	return w.batch.write(res)
}

func (w *StreamWriter) Close() error {
	batchErr := w.batch.close()
	flushErr := w.out.Flush()
	if batchErr != nil {
		return batchErr
	}
	return flushErr
}
