package httpx

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
)

var (
	// ErrIncomplete means the buffer does not yet hold a full message head or body.
	ErrIncomplete = errors.New("httpx: incomplete message")
	// ErrTooLarge means the head or body exceeds the configured limit.
	ErrTooLarge = errors.New("httpx: message too large")
	// ErrMalformed means the bytes cannot be an HTTP/1.x message.
	ErrMalformed = errors.New("httpx: malformed message")
)

// Header represents a single HTTP header field (case preserved as seen on wire).
type Header struct {
	Name  string
	Value string
}

// Headers is an ordered header list.
type Headers []Header

// Get returns the first value associated with name (case-insensitive) or empty.
func (h Headers) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// Set sets (replaces) a header (case of Name preserved as provided).
func (h *Headers) Set(name, value string) {
	for i, f := range *h {
		if strings.EqualFold(f.Name, name) {
			(*h)[i].Value = value
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: value})
}

// Add appends a header (does not replace existing).
func (h *Headers) Add(name, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Del deletes all headers with given name (case-insensitive).
func (h *Headers) Del(name string) {
	out := (*h)[:0]
	for _, f := range *h {
		if !strings.EqualFold(f.Name, name) {
			out = append(out, f)
		}
	}
	*h = out
}

// ContentLength returns the declared body length, 0 when absent.
func (h Headers) ContentLength() (int, error) {
	if te := h.Get("Transfer-Encoding"); te != "" && !strings.EqualFold(te, "identity") {
		return 0, fmt.Errorf("%w: unsupported transfer-encoding %q", ErrMalformed, te)
	}
	v := h.Get("Content-Length")
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad content-length %q", ErrMalformed, v)
	}
	return n, nil
}

func keepAlive(proto string, h Headers) bool {
	conn := strings.ToLower(h.Get("Connection"))
	if proto == "HTTP/1.0" {
		return strings.Contains(conn, "keep-alive")
	}
	return !strings.Contains(conn, "close")
}

// Request is a parsed or outgoing HTTP request.
type Request struct {
	Method  string
	URI     string
	Proto   string
	Headers Headers
	Body    []byte
}

// NewRequest builds an HTTP/1.1 request for host.
func NewRequest(method, uri, host string, body []byte, keepAlive bool) *Request {
	r := &Request{Method: method, URI: uri, Proto: "HTTP/1.1", Body: body}
	r.Headers.Set("Host", host)
	if !keepAlive {
		r.Headers.Set("Connection", "close")
	}
	if len(body) > 0 {
		r.Headers.Set("Content-Type", "application/octet-stream")
	}
	return r
}

// KeepAlive reports whether the client wants the connection reused.
func (r *Request) KeepAlive() bool { return keepAlive(r.Proto, r.Headers) }

// Path returns the URI without its query string.
func (r *Request) Path() string {
	if i := strings.IndexByte(r.URI, '?'); i != -1 {
		return r.URI[:i]
	}
	return r.URI
}

// WriteTo serializes the request, setting Content-Length from Body.
func (r *Request) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s\r\n", r.Method, r.URI, r.Proto)
	writeHeaders(&buf, r.Headers, len(r.Body), r.Method != http.MethodGet || len(r.Body) > 0)
	buf.Write(r.Body)
	return buf.WriteTo(w)
}

// Response is a parsed or outgoing HTTP response.
type Response struct {
	Proto   string
	Status  int
	Reason  string
	Headers Headers
	Body    []byte
}

// NewResponse builds an HTTP/1.1 response.
func NewResponse(status int, contentType string, body []byte, keepAlive bool) *Response {
	r := &Response{Proto: "HTTP/1.1", Status: status, Reason: http.StatusText(status), Body: body}
	if contentType != "" {
		r.Headers.Set("Content-Type", contentType)
	}
	r.Headers.Set("Cache-Control", "no-store")
	if !keepAlive {
		r.Headers.Set("Connection", "close")
	}
	return r
}

// KeepAlive reports whether the server will keep the connection open.
func (r *Response) KeepAlive() bool { return keepAlive(r.Proto, r.Headers) }

// WriteHead serializes the status line and headers for a body of n bytes.
func (r *Response) WriteHead(w io.Writer, n int) (int64, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %d %s\r\n", r.Proto, r.Status, r.Reason)
	writeHeaders(&buf, r.Headers, n, true)
	return buf.WriteTo(w)
}

// WriteTo serializes the whole response.
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	n, err := r.WriteHead(w, len(r.Body))
	if err != nil {
		return n, err
	}
	m, err := w.Write(r.Body)
	return n + int64(m), err
}

func writeHeaders(buf *bytes.Buffer, h Headers, bodyLen int, withLength bool) {
	for _, f := range h {
		if strings.EqualFold(f.Name, "Content-Length") {
			continue
		}
		buf.WriteString(f.Name + ": " + f.Value + "\r\n")
	}
	if withLength {
		buf.WriteString("Content-Length: " + strconv.Itoa(bodyLen) + "\r\n")
	}
	buf.WriteString("\r\n")
}

// ParseRequestHead parses the start-line and headers at the front of buf. It returns
// the request (without body) and the number of head bytes consumed.
func ParseRequestHead(buf []byte, max int) (*Request, int, error) {
	head, n, err := splitHead(buf, max)
	if err != nil {
		return nil, 0, err
	}
	line, hdrs, err := parseHead(head)
	if err != nil {
		return nil, 0, err
	}
	parts := strings.Split(line, " ")
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/1.") || parts[1] == "" {
		return nil, 0, fmt.Errorf("%w: bad request line %q", ErrMalformed, line)
	}
	return &Request{Method: parts[0], URI: parts[1], Proto: parts[2], Headers: hdrs}, n, nil
}

// ParseResponseHead parses the status line and headers at the front of buf.
func ParseResponseHead(buf []byte, max int) (*Response, int, error) {
	head, n, err := splitHead(buf, max)
	if err != nil {
		return nil, 0, err
	}
	line, hdrs, err := parseHead(head)
	if err != nil {
		return nil, 0, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/1.") {
		return nil, 0, fmt.Errorf("%w: bad status line %q", ErrMalformed, line)
	}
	status, err := strconv.Atoi(parts[1])
	if err != nil || status < 100 || status > 999 {
		return nil, 0, fmt.Errorf("%w: bad status %q", ErrMalformed, parts[1])
	}
	resp := &Response{Proto: parts[0], Status: status, Headers: hdrs}
	if len(parts) == 3 {
		resp.Reason = parts[2]
	}
	return resp, n, nil
}

func splitHead(buf []byte, max int) ([]byte, int, error) {
	end := -1
	if idx := bytes.Index(buf, []byte("\r\n\r\n")); idx != -1 {
		end = idx + 4
	} else if idx := bytes.Index(buf, []byte("\n\n")); idx != -1 {
		end = idx + 2
	}
	if end == -1 {
		if max > 0 && len(buf) > max {
			return nil, 0, fmt.Errorf("%w: header exceeds %d bytes", ErrTooLarge, max)
		}
		return nil, 0, ErrIncomplete
	}
	if max > 0 && end > max {
		return nil, 0, fmt.Errorf("%w: header %d>%d", ErrTooLarge, end, max)
	}
	return buf[:end], end, nil
}

func parseHead(head []byte) (string, Headers, error) {
	reader := bufio.NewReader(bytes.NewReader(head))
	first, err := reader.ReadString('\n')
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	first = strings.TrimRight(first, "\r\n")
	var hdrs Headers
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) || len(line) == 0 {
				break
			}
			return "", nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" { // end
			break
		}
		colon := strings.Index(line, ":")
		if colon <= 0 {
			return "", nil, fmt.Errorf("%w: bad header line %q", ErrMalformed, line)
		}
		hdrs = append(hdrs, Header{Name: line[:colon], Value: strings.TrimSpace(line[colon+1:])})
	}
	return first, hdrs, nil
}
