package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// TailReader incrementally reads newline-delimited records from a file
// that another process is appending to. It owns a byte cursor and the
// incomplete trailing fragment carried between reads.
type TailReader struct {
	path    string
	offset  int64
	pending []byte
}

// NewTailReader creates a reader positioned at the start of path.
func NewTailReader(path string) *TailReader {
	return &TailReader{path: path}
}

// Offset returns the number of bytes consumed so far.
func (r *TailReader) Offset() int64 {
	return r.offset
}

// Pending returns the size of the held-back fragment.
func (r *TailReader) Pending() int {
	return len(r.pending)
}

// ReadLines returns the complete lines appended since the previous call.
// A missing file yields no lines. A file that shrank is re-read from the
// start.
func (r *TailReader) ReadLines() ([]string, error) {
	f, err := os.Open(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open scratch file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat scratch file: %w", err)
	}
	size := info.Size()
	if size < r.offset {
		r.offset = 0
		r.pending = nil
	}
	if size == r.offset {
		return nil, nil
	}

	buf := make([]byte, size-r.offset)
	n, err := f.ReadAt(buf, r.offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read scratch file: %w", err)
	}
	r.offset += int64(n)

	data := append(r.pending, buf[:n]...)
	r.pending = nil

	var lines []string
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		if line := bytes.TrimRight(data[:i], "\r"); len(bytes.TrimSpace(line)) > 0 {
			lines = append(lines, string(line))
		}
		data = data[i+1:]
	}
	if len(data) > 0 {
		r.pending = append([]byte(nil), data...)
	}
	return lines, nil
}

// Flush returns the held-back fragment as a final line, if any.
func (r *TailReader) Flush() (string, bool) {
	line := string(bytes.TrimSpace(r.pending))
	r.pending = nil
	return line, line != ""
}

// Reset rewinds the cursor and drops the pending fragment.
func (r *TailReader) Reset() {
	r.offset = 0
	r.pending = nil
}
