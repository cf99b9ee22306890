// Package rpc is the HTTP conversation the engine drives for every socket: it
// parses requests from peers and answers them from the node's databases, or
// sends a single request to a peer and collects the response.
package rpc

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"
	"time"

	"github.com/matst80/peerhttp/internal/chainstate"
	"github.com/matst80/peerhttp/internal/engine"
	"github.com/matst80/peerhttp/internal/httpx"
	"github.com/matst80/peerhttp/internal/obs"
	"github.com/valyala/bytebufferpool"
)

// ErrRequestInflight is returned by SendRequest while a response is still due.
var ErrRequestInflight = errors.New("rpc: request already in flight")

const (
	readChunk       = 4096
	streamChunk     = 16 * 1024
	streamHighWater = 64 * 1024
)

type blockStream struct {
	rc    io.ReadCloser
	chunk [streamChunk]byte
}

// Conversation implements engine.Conversation over HTTP/1.1.
type Conversation struct {
	id        engine.ConnID
	networkID uint32
	nodeID    string
	peerAddr  netip.AddrPort
	targetURL string
	peerHost  httpx.PeerHost
	opts      engine.ConnectionOptions
	now       func() time.Time

	in    []byte
	eof   bool
	inbox []*httpx.Request

	out   *bytebufferpool.ByteBuffer
	sent  int
	block *blockStream

	keepAlive bool

	inflight *httpx.Request
	sentAt   time.Time
	replies  []*httpx.Response
	onReply  ReplyFunc

	connected    time.Time
	lastRequest  time.Time
	lastResponse time.Time
}

// Option configures conversations built by NewFactory.
type Option func(*Conversation)

func WithClock(now func() time.Time) Option {
	return func(c *Conversation) { c.now = now }
}

// WithNodeID sets the node identity reported by GET /v2/info.
func WithNodeID(id string) Option {
	return func(c *Conversation) { c.nodeID = id }
}

// ReplyFunc receives the response to a request sent on an outbound
// conversation. It runs on the engine goroutine during Run.
type ReplyFunc func(id engine.ConnID, resp *httpx.Response)

// WithReplyHandler delivers responses to fn instead of queueing them for
// TakeReply, so a reply survives the conversation closing in the same tick.
func WithReplyHandler(fn ReplyFunc) Option {
	return func(c *Conversation) { c.onReply = fn }
}

// NewFactory returns the constructor the engine calls for each admitted socket.
func NewFactory(opts ...Option) engine.NewConversationFunc {
	return func(p engine.ConversationParams) engine.Conversation {
		return New(p, opts...)
	}
}

func New(p engine.ConversationParams, opts ...Option) *Conversation {
	c := &Conversation{
		id:        p.ID,
		networkID: p.NetworkID,
		peerAddr:  p.PeerAddr,
		targetURL: p.TargetURL,
		peerHost:  p.PeerHost,
		opts:      p.Options,
		now:       time.Now,
		keepAlive: true,
		connected: p.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.connected.IsZero() {
		c.connected = c.now()
	}
	return c
}

func (c *Conversation) ID() engine.ConnID           { return c.id }
func (c *Conversation) TargetURL() string           { return c.targetURL }
func (c *Conversation) PeerAddr() netip.AddrPort    { return c.peerAddr }
func (c *Conversation) PeerHost() httpx.PeerHost    { return c.peerHost }
func (c *Conversation) LastRequestTime() time.Time  { return c.lastRequest }
func (c *Conversation) LastResponseTime() time.Time { return c.lastResponse }
func (c *Conversation) ConnectionTime() time.Time   { return c.connected }
func (c *Conversation) IsKeepAlive() bool           { return c.keepAlive }
func (c *Conversation) IsRequestInflight() bool     { return c.inflight != nil }
func (c *Conversation) outbound() bool              { return c.targetURL != "" }
func (c *Conversation) pending() int                { return c.outLen() - c.sent }
func (c *Conversation) peerIP() string              { return c.peerAddr.Addr().Unmap().String() }
func (c *Conversation) logFields() obs.Fields       { return obs.Fields{"event": c.id, "addr": c.peerAddr.String()} }

func (c *Conversation) outLen() int {
	if c.out == nil {
		return 0
	}
	return c.out.Len()
}

// IsDrained reports that nothing is queued in either direction.
func (c *Conversation) IsDrained() bool {
	return c.pending() == 0 && c.block == nil && len(c.inbox) == 0 && c.inflight == nil && len(c.replies) == 0
}

func (c *Conversation) maxHeader() int {
	if c.opts.MaxHeaderSize > 0 {
		return c.opts.MaxHeaderSize
	}
	return engine.DefaultConnectionOptions().MaxHeaderSize
}

func (c *Conversation) maxMessage() int {
	if c.opts.MaxMessageLen > 0 {
		return c.opts.MaxMessageLen
	}
	return engine.DefaultConnectionOptions().MaxMessageLen
}

func (c *Conversation) buf() *bytebufferpool.ByteBuffer {
	if c.out == nil {
		c.out = bytebufferpool.Get()
	}
	return c.out
}

// Recv reads everything the socket has and parses complete messages out of it.
func (c *Conversation) Recv(r io.Reader) error {
	var chunk [readChunk]byte
	for {
		n, err := r.Read(chunk[:])
		if n > 0 {
			c.in = append(c.in, chunk[:n]...)
			if len(c.in) > c.maxHeader()+c.maxMessage() {
				return fmt.Errorf("%w: %d unparsed bytes from %s", engine.ErrInvalidMessage, len(c.in), c.peerAddr)
			}
		}
		if errors.Is(err, io.EOF) {
			c.eof = true
			break
		}
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	if err := c.parse(); err != nil {
		return err
	}
	if c.eof {
		return engine.ErrPermanentlyDrained
	}
	return nil
}

func (c *Conversation) parse() error {
	for len(c.in) > 0 {
		var err error
		if c.outbound() {
			err = c.parseResponse()
		} else {
			err = c.parseRequest()
		}
		if errors.Is(err, httpx.ErrIncomplete) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func invalid(err error) error {
	if errors.Is(err, httpx.ErrIncomplete) {
		return err
	}
	return fmt.Errorf("%w: %v", engine.ErrInvalidMessage, err)
}

// body extracts the message body following a head of headLen bytes.
func (c *Conversation) body(h httpx.Headers, headLen int, untilClose bool) ([]byte, int, error) {
	rest := c.in[headLen:]
	if h.Chunked() {
		b, n, err := httpx.DecodeChunked(rest, c.maxMessage())
		if err != nil {
			return nil, 0, invalid(err)
		}
		return b, headLen + n, nil
	}
	if h.Get("Content-Length") == "" && untilClose {
		if !c.eof {
			return nil, 0, httpx.ErrIncomplete
		}
		if len(rest) > c.maxMessage() {
			return nil, 0, invalid(httpx.ErrTooLarge)
		}
		return append([]byte(nil), rest...), len(c.in), nil
	}
	cl, err := h.ContentLength()
	if err != nil {
		return nil, 0, invalid(err)
	}
	if cl > c.maxMessage() {
		return nil, 0, invalid(fmt.Errorf("%w: body %d>%d", httpx.ErrTooLarge, cl, c.maxMessage()))
	}
	if len(rest) < cl {
		return nil, 0, httpx.ErrIncomplete
	}
	return append([]byte(nil), rest[:cl]...), headLen + cl, nil
}

func (c *Conversation) consume(n int) {
	c.in = append(c.in[:0], c.in[n:]...)
}

func (c *Conversation) parseRequest() error {
	req, headLen, err := httpx.ParseRequestHead(c.in, c.maxHeader())
	if err != nil {
		return invalid(err)
	}
	if strings.Contains(strings.ToLower(req.Headers.Get("Connection")), "upgrade") {
		return invalid(fmt.Errorf("unsupported connection upgrade to %q", req.Headers.Get("Upgrade")))
	}
	body, n, err := c.body(req.Headers, headLen, false)
	if err != nil {
		return err
	}
	req.Body = body
	c.consume(n)
	c.inbox = append(c.inbox, req)
	c.lastRequest = c.now()
	obs.Debug("rpc.request", obs.Fields{"event": c.id, "method": req.Method, "uri": req.URI, "bytes": len(body)})
	return nil
}

func (c *Conversation) parseResponse() error {
	if c.inflight == nil {
		return invalid(fmt.Errorf("unsolicited response from %s", c.targetURL))
	}
	resp, headLen, err := httpx.ParseResponseHead(c.in, c.maxHeader())
	if err != nil {
		return invalid(err)
	}
	untilClose := resp.Status >= 200 && resp.Status != 204 && resp.Status != 304
	body, n, err := c.body(resp.Headers, headLen, untilClose)
	if err != nil {
		return err
	}
	resp.Body = body
	c.consume(n)
	if resp.Status < 200 {
		// informational; the final response follows
		return nil
	}
	if c.onReply != nil {
		c.onReply(c.id, resp)
	} else {
		c.replies = append(c.replies, resp)
	}
	c.inflight = nil
	c.lastResponse = c.now()
	c.keepAlive = c.keepAlive && resp.KeepAlive()
	obs.Debug("rpc.response", obs.Fields{"event": c.id, "url": c.targetURL, "status": resp.Status, "bytes": len(body)})
	return nil
}

// fill tops up the output buffer from an in-progress block stream.
func (c *Conversation) fill() error {
	for c.block != nil && c.pending() < streamHighWater {
		n, err := c.block.rc.Read(c.block.chunk[:])
		if n > 0 {
			if _, werr := httpx.WriteChunk(c.buf(), c.block.chunk[:n]); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			if _, werr := httpx.WriteChunk(c.buf(), nil); werr != nil {
				return werr
			}
			c.endStream()
			c.lastResponse = c.now()
			return nil
		}
		if err != nil {
			c.endStream()
			return fmt.Errorf("stream block: %w", err)
		}
		if n == 0 {
			return nil
		}
	}
	return nil
}

func (c *Conversation) endStream() {
	if c.block != nil {
		_ = c.block.rc.Close()
		c.block = nil
	}
}

// TryFlush stages more of a streamed reply without writing to the socket.
func (c *Conversation) TryFlush(chainstate.ChainState) error {
	return c.fill()
}

// Send writes as much buffered output as w accepts in one call.
func (c *Conversation) Send(w io.Writer, _ chainstate.ChainState) (int, error) {
	if err := c.fill(); err != nil {
		return 0, err
	}
	if c.pending() == 0 {
		return 0, nil
	}
	n, err := w.Write(c.out.B[c.sent:])
	c.sent += n
	if c.sent == c.out.Len() {
		bytebufferpool.Put(c.out)
		c.out = nil
		c.sent = 0
	}
	return n, err
}

// SendRequest queues req for the peer. One request may be outstanding.
func (c *Conversation) SendRequest(req *httpx.Request) error {
	if c.inflight != nil {
		return ErrRequestInflight
	}
	if req.Headers.Get("Host") == "" {
		req.Headers.Set("Host", c.peerHost.String())
	}
	if _, err := req.WriteTo(c.buf()); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	now := c.now()
	c.inflight = req
	c.sentAt = now
	c.lastRequest = now
	c.keepAlive = req.KeepAlive()
	return nil
}

// TakeReply pops the oldest response received for a request sent on this
// conversation.
func (c *Conversation) TakeReply() (*httpx.Response, bool) {
	if len(c.replies) == 0 {
		return nil, false
	}
	resp := c.replies[0]
	c.replies = c.replies[1:]
	return resp, true
}

// ReplyError abandons any queued work, queues resp and tries to write it.
func (c *Conversation) ReplyError(w io.Writer, resp *httpx.Response) error {
	c.inbox = nil
	c.endStream()
	c.keepAlive = c.keepAlive && resp.KeepAlive()
	if _, err := resp.WriteTo(c.buf()); err != nil {
		return err
	}
	c.lastResponse = c.now()
	obs.RequestsTotal.WithLabelValues("invalid", fmt.Sprint(resp.Status)).Inc()
	_, err := c.Send(w, nil)
	return err
}

// ClearTimeouts abandons an outbound request whose response is overdue. The
// conversation then drains and is closed.
func (c *Conversation) ClearTimeouts() {
	if c.inflight == nil || c.opts.RequestTimeout <= 0 {
		return
	}
	if c.now().Sub(c.sentAt) <= c.opts.RequestTimeout {
		return
	}
	f := c.logFields()
	f["uri"] = c.inflight.URI
	f["waited"] = c.now().Sub(c.sentAt).String()
	obs.Info("rpc.request.timeout", f)
	obs.RequestTimeouts.Inc()
	c.inflight = nil
	c.keepAlive = false
}

// Close releases the output buffer and any open block reader.
func (c *Conversation) Close() error {
	c.endStream()
	if c.out != nil {
		bytebufferpool.Put(c.out)
		c.out = nil
		c.sent = 0
	}
	return nil
}
