package engine

import (
	"bytes"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/matst80/peerhttp/internal/chainstate"
	"github.com/matst80/peerhttp/internal/httpx"
	"github.com/matst80/peerhttp/internal/proto"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSocket struct {
	addr    netip.AddrPort
	addrErr error
	in      bytes.Buffer
	out     bytes.Buffer
	eof     bool
}

func newSocket(addr string) *fakeSocket {
	return &fakeSocket{addr: netip.MustParseAddrPort(addr)}
}

func (s *fakeSocket) Read(b []byte) (int, error) {
	if s.in.Len() == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	return s.in.Read(b)
}

func (s *fakeSocket) Write(b []byte) (int, error) { return s.out.Write(b) }

func (s *fakeSocket) PeerAddr() (netip.AddrPort, error) {
	if s.addrErr != nil {
		return netip.AddrPort{}, s.addrErr
	}
	return s.addr, nil
}

type fakeReactor struct {
	next        ConnID
	registered  map[ConnID]Socket
	released    map[ConnID]int
	connects    int
	registerErr error
	dial        func(addr netip.AddrPort) *fakeSocket
}

func newFakeReactor() *fakeReactor {
	return &fakeReactor{
		next:       100,
		registered: make(map[ConnID]Socket),
		released:   make(map[ConnID]int),
	}
}

func (r *fakeReactor) Register(_ int, id ConnID, sock Socket) error {
	if r.registerErr != nil {
		return r.registerErr
	}
	r.registered[id] = sock
	return nil
}

func (r *fakeReactor) Deregister(id ConnID, _ Socket) error {
	delete(r.registered, id)
	r.released[id]++
	return nil
}

func (r *fakeReactor) Connect(addr netip.AddrPort) (Socket, error) {
	r.connects++
	if r.dial != nil {
		return r.dial(addr), nil
	}
	return &fakeSocket{addr: addr}, nil
}

func (r *fakeReactor) NextID() ConnID {
	r.next++
	return r.next
}

// fakeConversation answers the first bytes it receives with one message and a
// canned response, then reports itself drained.
type fakeConversation struct {
	params ConversationParams

	recvErr    error
	chatErr    error
	sendErr    error
	flushErr   error
	requestErr error
	chatMsgs []proto.Message

	received  []byte
	pending   bytes.Buffer
	answer    []byte
	answered  bool
	keepAlive bool
	inflight  bool

	lastReq, lastResp time.Time

	requests  []*httpx.Request
	replied   *httpx.Response
	recvCalls int
	chatCalls int
	cleared   int
}

func (c *fakeConversation) Send(w io.Writer, _ chainstate.ChainState) (int, error) {
	if c.sendErr != nil {
		return 0, c.sendErr
	}
	if c.pending.Len() == 0 {
		return 0, nil
	}
	n, err := w.Write(c.pending.Bytes())
	c.pending.Next(n)
	return n, err
}

func (c *fakeConversation) Recv(r io.Reader) error {
	c.recvCalls++
	buf := make([]byte, 512)
	for {
		n, err := r.Read(buf)
		c.received = append(c.received, buf[:n]...)
		if err != nil {
			if err == io.EOF {
				return ErrPermanentlyDrained
			}
			return err
		}
		if n == 0 {
			break
		}
	}
	return c.recvErr
}

func (c *fakeConversation) Chat(chainstate.ChainView, *chainstate.Providers) ([]proto.Message, error) {
	c.chatCalls++
	if c.chatErr != nil {
		return nil, c.chatErr
	}
	msgs := c.chatMsgs
	c.chatMsgs = nil
	if c.answer != nil && len(c.received) > 0 && !c.answered {
		c.answered = true
		c.pending.Write(c.answer)
		msgs = append(msgs, proto.BlocksAvailable{ConsensusHashes: []string{"cc"}})
	}
	return msgs, nil
}

func (c *fakeConversation) TryFlush(chainstate.ChainState) error { return c.flushErr }

func (c *fakeConversation) IsDrained() bool {
	return c.pending.Len() == 0 && (c.answer == nil || c.answered)
}

func (c *fakeConversation) IsKeepAlive() bool           { return c.keepAlive }
func (c *fakeConversation) IsRequestInflight() bool     { return c.inflight }
func (c *fakeConversation) TargetURL() string           { return c.params.TargetURL }
func (c *fakeConversation) PeerAddr() netip.AddrPort    { return c.params.PeerAddr }
func (c *fakeConversation) LastRequestTime() time.Time  { return c.lastReq }
func (c *fakeConversation) LastResponseTime() time.Time { return c.lastResp }
func (c *fakeConversation) ConnectionTime() time.Time   { return c.params.Now }
func (c *fakeConversation) ClearTimeouts()              { c.cleared++ }

func (c *fakeConversation) SendRequest(req *httpx.Request) error {
	if c.requestErr != nil {
		return c.requestErr
	}
	c.requests = append(c.requests, req)
	c.inflight = true
	_, err := req.WriteTo(&c.pending)
	return err
}

func (c *fakeConversation) ReplyError(_ io.Writer, resp *httpx.Response) error {
	c.replied = resp
	_, err := resp.WriteTo(&c.pending)
	return err
}

type fakeFactory struct {
	convos    map[ConnID]*fakeConversation
	configure func(*fakeConversation)
}

func (f *fakeFactory) build(p ConversationParams) Conversation {
	c := &fakeConversation{params: p, keepAlive: true}
	if f.configure != nil {
		f.configure(c)
	}
	f.convos[p.ID] = c
	return c
}

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time { return c.t }

func testOptions() ConnectionOptions {
	opts := DefaultConnectionOptions()
	opts.NumClients = 8
	opts.MaxClientsPerHost = 8
	opts.IdleTimeout = 60 * time.Second
	return opts
}

type harness struct {
	peer    *HTTPPeer
	reactor *fakeReactor
	factory *fakeFactory
	clock   *testClock
}

func newHarness(opts ConnectionOptions) *harness {
	h := &harness{
		reactor: newFakeReactor(),
		factory: &fakeFactory{convos: make(map[ConnID]*fakeConversation)},
		clock:   &testClock{t: time.Unix(1_700_000_000, 0)},
	}
	h.peer = New(7, chainstate.ChainView{}, opts, 1, h.reactor, h.factory.build, WithClock(h.clock.now))
	return h
}

func (h *harness) run(t *testing.T, poll *PollState) []proto.Message {
	t.Helper()
	msgs, err := h.peer.Run(chainstate.ChainView{BurnBlockHeight: 10}, &chainstate.Providers{}, poll)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return msgs
}

// accept hands sockets to the engine as freshly accepted and returns their IDs
// in argument order.
func (h *harness) accept(t *testing.T, socks ...*fakeSocket) []ConnID {
	t.Helper()
	poll := &PollState{New: make(map[ConnID]Socket)}
	ids := make([]ConnID, 0, len(socks))
	for _, s := range socks {
		id := h.reactor.NextID()
		poll.New[id] = s
		ids = append(ids, id)
	}
	h.run(t, poll)
	return ids
}

func ready(ids ...ConnID) *PollState {
	p := &PollState{Ready: make(map[ConnID]struct{})}
	for _, id := range ids {
		p.Ready[id] = struct{}{}
	}
	return p
}
