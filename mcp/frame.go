package mcp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// MaxFrameSize caps the declared Content-Length of an inbound frame.
const MaxFrameSize = 64 << 20

const contentLengthHeader = "content-length"

// FramingError reports a malformed or truncated frame. It is fatal to the
// stream it was read from.
type FramingError struct {
	Reason string
	Err    error
}

func (e *FramingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("framing: %s: %v", e.Reason, e.Err)
	}
	return "framing: " + e.Reason
}

func (e *FramingError) Unwrap() error { return e.Err }

// IsCleanEOF reports whether err is the stream closing exactly at a frame
// boundary, which is how a peer ends a session.
func IsCleanEOF(err error) bool {
	var fe *FramingError
	return errors.As(err, &fe) && errors.Is(fe.Err, io.EOF)
}

// ReadFrame reads one Content-Length framed JSON payload. Headers other than
// Content-Length are ignored. Blank lines before the first header are skipped.
func ReadFrame(r *bufio.Reader) (json.RawMessage, error) {
	contentLength := -1
	sawHeader := false

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !sawHeader && strings.TrimSpace(line) == "" {
					return nil, &FramingError{Reason: "stream closed before length header", Err: io.EOF}
				}
				return nil, &FramingError{Reason: "stream closed inside header", Err: io.ErrUnexpectedEOF}
			}
			return nil, &FramingError{Reason: "reading header", Err: err}
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			if !sawHeader {
				continue
			}
			break
		}
		sawHeader = true

		key, value, ok := strings.Cut(line, ":")
		if !ok || strings.ToLower(strings.TrimSpace(key)) != contentLengthHeader {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, &FramingError{Reason: fmt.Sprintf("invalid Content-Length %q", strings.TrimSpace(value)), Err: err}
		}
		if n < 0 || n > MaxFrameSize {
			return nil, &FramingError{Reason: fmt.Sprintf("Content-Length %d out of range", n)}
		}
		contentLength = n
	}

	if contentLength < 0 {
		return nil, &FramingError{Reason: "missing Content-Length header"}
	}

	payload := make([]byte, contentLength)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, &FramingError{Reason: fmt.Sprintf("reading %d byte payload", contentLength), Err: err}
	}
	if !json.Valid(payload) {
		return nil, &FramingError{Reason: "payload is not valid JSON"}
	}
	return payload, nil
}

// marshalFrame serializes v without HTML escaping so payloads pass through
// byte-for-byte where possible.
func marshalFrame(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// WriteFrame serializes v and writes it with a Content-Length header counting
// the bytes of the serialized form.
func WriteFrame(w *bufio.Writer, v any) error {
	payload, err := marshalFrame(v)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}
	if _, err := fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(payload)); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	return w.Flush()
}

// FrameReader decodes frames from a byte stream.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for frame decoding.
func NewFrameReader(r io.Reader) *FrameReader {
	if br, ok := r.(*bufio.Reader); ok {
		return &FrameReader{r: br}
	}
	return &FrameReader{r: bufio.NewReader(r)}
}

// Read returns the next frame's JSON payload.
func (fr *FrameReader) Read() (json.RawMessage, error) {
	return ReadFrame(fr.r)
}

// FrameWriter encodes frames onto a byte stream. Writes are serialized so
// frames from concurrent callers never interleave.
type FrameWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewFrameWriter wraps w for frame encoding.
func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{w: bufio.NewWriter(w)}
}

// Write encodes v as one frame and flushes it.
func (fw *FrameWriter) Write(v any) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return WriteFrame(fw.w, v)
}
