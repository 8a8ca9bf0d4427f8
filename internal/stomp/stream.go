package stomp

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

const readChunk = 4096

// Reader pulls frames out of a byte stream.
type Reader struct {
	r      io.Reader
	limits Limits
	buf    []byte
	start  int

	// both relative to start. bodyStart is where the NUL terminated body of the
	// pending frame begins, scanned how far that body is known to hold no NUL.
	bodyStart int
	scanned   int
}

func NewReader(r io.Reader, limits Limits) *Reader {
	return &Reader{r: r, limits: limits.withDefaults()}
}

// ReadFrame blocks until a frame or a heart-beat is available. A heart-beat is
// reported as a nil frame with a nil error.
func (r *Reader) ReadFrame() (*Frame, error) {
	for {
		if r.start < len(r.buf) && r.ready() {
			frame, n, bodyStart, err := decode(r.buf[r.start:], r.limits)
			if err == nil {
				r.start += n
				r.bodyStart, r.scanned = 0, 0
				r.compact()
				return frame, nil
			}
			if !errors.Is(err, ErrIncomplete) {
				return nil, err
			}
			r.bodyStart, r.scanned = bodyStart, 0
			if bodyStart > 0 {
				r.scanned = len(r.buf) - r.start
			}
		}
		if err := r.fill(); err != nil {
			if errors.Is(err, io.EOF) && r.start < len(r.buf) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// ready reports whether decoding again can make progress. A body waiting for its
// NUL is only searched in the bytes that arrived since the last attempt.
func (r *Reader) ready() bool {
	if r.bodyStart == 0 {
		return true
	}
	pending := r.buf[r.start:]
	if len(pending)-r.bodyStart > r.limits.MaxBodyBytes {
		return true
	}
	if bytes.IndexByte(pending[r.scanned:], 0) >= 0 {
		return true
	}
	r.scanned = len(pending)
	return false
}

func (r *Reader) compact() {
	if r.start == len(r.buf) {
		r.buf = r.buf[:0]
		r.start = 0
	}
}

func (r *Reader) fill() error {
	if r.start > 0 {
		n := copy(r.buf, r.buf[r.start:])
		r.buf = r.buf[:n]
		r.start = 0
	}
	if cap(r.buf)-len(r.buf) < readChunk {
		grown := make([]byte, len(r.buf), 2*cap(r.buf)+readChunk)
		copy(grown, r.buf)
		r.buf = grown
	}
	n, err := r.r.Read(r.buf[len(r.buf):cap(r.buf)])
	r.buf = r.buf[:len(r.buf)+n]
	if n > 0 {
		return nil
	}
	return err
}

// Writer buffers encoded frames until Flush.
type Writer struct {
	w *bufio.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: bufio.NewWriter(w)}
}

func (w *Writer) WriteFrame(f *Frame) error {
	_, err := w.w.Write(Encode(f))
	return err
}

// WriteHeartbeat writes a single EOL.
func (w *Writer) WriteHeartbeat() error {
	return w.w.WriteByte('\n')
}

func (w *Writer) Buffered() int {
	return w.w.Buffered()
}

func (w *Writer) Flush() error {
	return w.w.Flush()
}
