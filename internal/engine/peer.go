// Package engine multiplexes HTTP peer conversations over a readiness-driven
// reactor. An HTTPPeer is owned by a single goroutine and is not safe for
// concurrent use.
package engine

import (
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/matst80/peerhttp/internal/chainstate"
	"github.com/matst80/peerhttp/internal/httpx"
	"github.com/matst80/peerhttp/internal/obs"
)

type pendingConnect struct {
	sock    Socket
	url     string
	request *httpx.Request
}

// HTTPPeer holds the ongoing HTTP conversations, whether they reached out to us
// or we to them, and the outbound sockets still waiting to connect.
type HTTPPeer struct {
	networkID uint32
	chainView chainstate.ChainView

	peers      map[ConnID]Conversation
	sockets    map[ConnID]Socket
	connecting map[ConnID]pendingConnect

	serverHandle int
	opts         ConnectionOptions

	reactor         Reactor
	newConversation NewConversationFunc
	now             func() time.Time
}

// Option configures an HTTPPeer.
type Option func(*HTTPPeer)

// WithClock replaces time.Now for activity bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(p *HTTPPeer) { p.now = now }
}

func New(networkID uint32, view chainstate.ChainView, opts ConnectionOptions, serverHandle int, reactor Reactor, newConversation NewConversationFunc, options ...Option) *HTTPPeer {
	p := &HTTPPeer{
		networkID:       networkID,
		chainView:       view,
		peers:           make(map[ConnID]Conversation),
		sockets:         make(map[ConnID]Socket),
		connecting:      make(map[ConnID]pendingConnect),
		serverHandle:    serverHandle,
		opts:            opts,
		reactor:         reactor,
		newConversation: newConversation,
		now:             time.Now,
	}
	for _, o := range options {
		o(p)
	}
	return p
}

func (p *HTTPPeer) SetServerHandle(h int)           { p.serverHandle = h }
func (p *HTTPPeer) NetworkID() uint32               { return p.networkID }
func (p *HTTPPeer) ChainView() chainstate.ChainView { return p.chainView }
func (p *HTTPPeer) IsConnecting(id ConnID) bool     { _, ok := p.connecting[id]; return ok }
func (p *HTTPPeer) Options() ConnectionOptions      { return p.opts }
func (p *HTTPPeer) Conversation(id ConnID) (Conversation, bool) {
	c, ok := p.peers[id]
	return c, ok
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Peers      int `json:"peers"`
	Inbound    int `json:"inbound"`
	Outbound   int `json:"outbound"`
	Connecting int `json:"connecting"`
}

func (p *HTTPPeer) Stats() Stats {
	st := Stats{Peers: len(p.peers), Connecting: len(p.connecting)}
	for _, c := range p.peers {
		if c.TargetURL() == "" {
			st.Inbound++
		} else {
			st.Outbound++
		}
	}
	return st
}

// FindFreeConversation returns an established conversation to dataURL that has
// no request in flight.
func (p *HTTPPeer) FindFreeConversation(dataURL string) (ConnID, bool) {
	for id, c := range p.peers {
		if c.TargetURL() == dataURL && !c.IsRequestInflight() {
			return id, true
		}
	}
	return 0, false
}

// Connect starts an outbound connection to dataURL at addr and, once connected,
// sends request if non-nil. It returns *AlreadyConnectedError when a free
// conversation to dataURL already exists. It never waits for the connect.
func (p *HTTPPeer) Connect(dataURL string, addr netip.AddrPort, request *httpx.Request) (ConnID, error) {
	if id, ok := p.FindFreeConversation(dataURL); ok {
		return 0, &AlreadyConnectedError{ID: id}
	}
	sock, err := p.reactor.Connect(addr)
	if err != nil {
		obs.ErrorsTotal.WithLabelValues("connect").Inc()
		return 0, fmt.Errorf("connect %s: %w", addr, err)
	}
	id := p.reactor.NextID()
	if err := p.reactor.Register(p.serverHandle, id, sock); err != nil {
		_ = p.reactor.Deregister(id, sock)
		obs.ErrorsTotal.WithLabelValues("register").Inc()
		return 0, fmt.Errorf("register connecting event %d: %w", id, err)
	}
	p.connecting[id] = pendingConnect{sock: sock, url: dataURL, request: request}
	obs.PendingConnects.Set(float64(len(p.connecting)))
	obs.Debug("http.connect", obs.Fields{"event": id, "url": dataURL, "addr": addr.String()})
	return id, nil
}

func sameHost(a, b netip.Addr) bool { return a.Unmap() == b.Unmap() }

// countInboundHost counts inbound conversations from the peer's IP.
func (p *HTTPPeer) countInboundHost(ip netip.Addr) uint64 {
	var n uint64
	for _, c := range p.peers {
		if c.TargetURL() == "" && sameHost(c.PeerAddr().Addr(), ip) {
			n++
		}
	}
	return n
}

func (p *HTTPPeer) canRegister(addr netip.AddrPort, outboundURL string) error {
	inbound := outboundURL == ""
	if inbound && uint64(len(p.peers))+1 > p.opts.NumClients {
		obs.Debug("http.admit.total", obs.Fields{"peers": len(p.peers), "max": p.opts.NumClients})
		obs.RejectedTotal.WithLabelValues("total").Inc()
		return ErrTooManyPeers
	}
	numInbound := p.countInboundHost(addr.Addr())
	if numInbound >= p.opts.MaxClientsPerHost {
		obs.Debug("http.admit.per_host", obs.Fields{"addr": addr.String(), "count": numInbound, "max": p.opts.MaxClientsPerHost})
		obs.RejectedTotal.WithLabelValues("per_host").Inc()
		return ErrTooManyPeers
	}
	if inbound && !p.opts.Limiter.AllowConnection(addr.Addr().Unmap().String()) {
		obs.Debug("http.admit.rate", obs.Fields{"addr": addr.String()})
		obs.RejectedTotal.WithLabelValues("rate").Inc()
		return ErrTooManyPeers
	}
	return nil
}

// register commits a connected socket as a conversation. The socket is released
// through the reactor on every failure path.
func (p *HTTPPeer) register(id ConnID, sock Socket, outboundURL string, initial *httpx.Request, chain chainstate.ChainState) (err error) {
	release := true
	defer func() {
		if release {
			if derr := p.reactor.Deregister(id, sock); derr != nil {
				obs.Debug("http.register.release", obs.Fields{"event": id, "err": derr})
			}
		}
	}()

	addr, err := sock.PeerAddr()
	if err != nil {
		obs.Warn("http.register.peer_addr", obs.Fields{"event": id, "err": err})
		obs.ErrorsTotal.WithLabelValues("peer_addr").Inc()
		return fmt.Errorf("%w: peer address of event %d: %v", ErrSocket, id, err)
	}
	if err := p.canRegister(addr, outboundURL); err != nil {
		return err
	}

	host := httpx.PeerHostFromAddr(addr)
	if outboundURL != "" {
		if h, err := httpx.ParsePeerHost(outboundURL); err == nil {
			host = h
		}
	}
	convo := p.newConversation(ConversationParams{
		ID:        id,
		NetworkID: p.networkID,
		PeerAddr:  addr,
		TargetURL: outboundURL,
		PeerHost:  host,
		Options:   p.opts,
		Now:       p.now(),
	})

	if initial != nil {
		if err := convo.SendRequest(initial); err != nil {
			return fmt.Errorf("initial request to event %d: %w", id, err)
		}
		if err := saturate(sock, convo, chain); err != nil {
			return fmt.Errorf("prime event %d: %w", id, err)
		}
	}

	p.sockets[id] = sock
	p.peers[id] = convo
	release = false

	direction := "inbound"
	if outboundURL != "" {
		direction = "outbound"
	}
	obs.RegisteredTotal.WithLabelValues(direction).Inc()
	obs.Debug("http.register", obs.Fields{"event": id, "addr": addr.String(), "direction": direction, "url": outboundURL})
	return nil
}

// Deregister removes every trace of id and releases its socket. Safe to call
// for unknown or already removed IDs.
func (p *HTTPPeer) Deregister(id ConnID) {
	p.deregister(id, "caller")
}

func (p *HTTPPeer) deregister(id ConnID, reason string) {
	if convo, ok := p.peers[id]; ok {
		delete(p.peers, id)
		if cl, ok := convo.(io.Closer); ok {
			_ = cl.Close()
		}
		obs.ConversationSeconds.Observe(p.now().Sub(convo.ConnectionTime()).Seconds())
		obs.ClosedTotal.WithLabelValues(reason).Inc()
	}
	if sock, ok := p.sockets[id]; ok {
		if err := p.reactor.Deregister(id, sock); err != nil {
			obs.Debug("http.deregister", obs.Fields{"event": id, "err": err})
		}
		// dropped regardless of the reactor's answer
		delete(p.sockets, id)
	}
	if pc, ok := p.connecting[id]; ok {
		if err := p.reactor.Deregister(id, pc.sock); err != nil {
			obs.Debug("http.deregister.connecting", obs.Fields{"event": id, "err": err})
		}
		delete(p.connecting, id)
	}
}

// Close deregisters every conversation and pending connect.
func (p *HTTPPeer) Close() {
	for id := range p.peers {
		p.deregister(id, "shutdown")
	}
	for id := range p.connecting {
		p.deregister(id, "shutdown")
	}
	p.updateGauges()
}

func (p *HTTPPeer) updateGauges() {
	obs.ActivePeers.Set(float64(len(p.peers)))
	obs.PendingConnects.Set(float64(len(p.connecting)))
}

// saturate sends until the conversation has nothing left or the socket is full.
func saturate(sock Socket, convo Conversation, chain chainstate.ChainState) error {
	for {
		n, err := convo.Send(sock, chain)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
