package main

import (
	"bytes"
	"io"
	"net/netip"
	"testing"

	"github.com/matst80/peerhttp/internal/engine"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type memSocket struct {
	addr    netip.AddrPort
	addrErr error
	in      bytes.Buffer
	out     bytes.Buffer
	eof     bool
}

func (s *memSocket) Read(b []byte) (int, error) {
	if s.in.Len() == 0 {
		if s.eof {
			return 0, io.EOF
		}
		return 0, nil
	}
	return s.in.Read(b)
}

func (s *memSocket) Write(b []byte) (int, error) { return s.out.Write(b) }

func (s *memSocket) PeerAddr() (netip.AddrPort, error) {
	if s.addrErr != nil {
		return netip.AddrPort{}, s.addrErr
	}
	return s.addr, nil
}

type memReactor struct {
	next    engine.ConnID
	sockets map[engine.ConnID]engine.Socket
	dialed  []*memSocket
	dialErr error
}

func newMemReactor() *memReactor {
	return &memReactor{sockets: make(map[engine.ConnID]engine.Socket)}
}

func (r *memReactor) Register(_ int, id engine.ConnID, sock engine.Socket) error {
	r.sockets[id] = sock
	return nil
}

func (r *memReactor) Deregister(id engine.ConnID, _ engine.Socket) error {
	delete(r.sockets, id)
	return nil
}

func (r *memReactor) Connect(addr netip.AddrPort) (engine.Socket, error) {
	s := &memSocket{addr: addr, addrErr: r.dialErr}
	r.dialed = append(r.dialed, s)
	return s, nil
}

func (r *memReactor) NextID() engine.ConnID {
	r.next++
	return r.next
}

func ready(ids ...engine.ConnID) *engine.PollState {
	ps := &engine.PollState{Ready: make(map[engine.ConnID]struct{})}
	for _, id := range ids {
		ps.Ready[id] = struct{}{}
	}
	return ps
}
