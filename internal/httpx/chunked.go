package httpx

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Chunked reports whether the body uses chunked transfer coding.
func (h Headers) Chunked() bool {
	return strings.Contains(strings.ToLower(h.Get("Transfer-Encoding")), "chunked")
}

// WriteChunkedHead serializes the status line and headers of a response whose
// body follows as chunks.
func (r *Response) WriteChunkedHead(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d %s\r\n", r.Proto, r.Status, r.Reason)
	h := append(Headers(nil), r.Headers...)
	h.Set("Transfer-Encoding", "chunked")
	writeHeaders(&buf, h, 0, false)
	return buf.WriteTo(w)
}

// WriteChunk frames p as one chunk. An empty p writes the terminating chunk.
func WriteChunk(w io.Writer, p []byte) (int, error) {
	n, err := io.WriteString(w, strconv.FormatInt(int64(len(p)), 16)+"\r\n")
	if err != nil {
		return n, err
	}
	m, err := w.Write(p)
	n += m
	if err != nil {
		return n, err
	}
	m, err = io.WriteString(w, "\r\n")
	return n + m, err
}

// DecodeChunked decodes a complete chunked body at the front of buf, returning
// the body and the bytes consumed. Trailers are skipped.
func DecodeChunked(buf []byte, max int) ([]byte, int, error) {
	var body []byte
	pos := 0
	for {
		eol := bytes.Index(buf[pos:], []byte("\r\n"))
		if eol == -1 {
			if len(buf)-pos > 32 {
				return nil, 0, fmt.Errorf("%w: chunk size line too long", ErrMalformed)
			}
			return nil, 0, ErrIncomplete
		}
		line := string(buf[pos : pos+eol])
		if i := strings.IndexByte(line, ';'); i != -1 {
			line = line[:i]
		}
		size, err := strconv.ParseInt(strings.TrimSpace(line), 16, 64)
		if err != nil || size < 0 {
			return nil, 0, fmt.Errorf("%w: bad chunk size %q", ErrMalformed, line)
		}
		pos += eol + 2
		if size == 0 {
			for {
				eol := bytes.Index(buf[pos:], []byte("\r\n"))
				if eol == -1 {
					return nil, 0, ErrIncomplete
				}
				pos += eol + 2
				if eol == 0 {
					return body, pos, nil
				}
			}
		}
		if max > 0 && size > int64(max-len(body)) {
			return nil, 0, fmt.Errorf("%w: chunked body exceeds %d bytes", ErrTooLarge, max)
		}
		// size may be close to MaxInt64, so it is never added to
		if size > int64(len(buf)-pos-2) {
			return nil, 0, ErrIncomplete
		}
		end := pos + int(size)
		if buf[end] != '\r' || buf[end+1] != '\n' {
			return nil, 0, fmt.Errorf("%w: chunk not terminated", ErrMalformed)
		}
		body = append(body, buf[pos:end]...)
		pos = end + 2
	}
}
