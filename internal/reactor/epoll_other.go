//go:build !linux

package reactor

import (
	"errors"
	"net/netip"
	"time"

	"github.com/matst80/peerhttp/internal/engine"
)

var (
	ErrClosed      = errors.New("reactor: closed")
	errUnsupported = errors.New("reactor: epoll is only available on linux")
)

type Reactor struct{}

func New() (*Reactor, error) { return nil, errUnsupported }

func (r *Reactor) Listen(netip.AddrPort) (int, error)               { return -1, errUnsupported }
func (r *Reactor) LocalAddr(int) (netip.AddrPort, bool)             { return netip.AddrPort{}, false }
func (r *Reactor) Register(int, engine.ConnID, engine.Socket) error { return errUnsupported }
func (r *Reactor) Deregister(engine.ConnID, engine.Socket) error    { return errUnsupported }
func (r *Reactor) Connect(netip.AddrPort) (engine.Socket, error)    { return nil, errUnsupported }
func (r *Reactor) NextID() engine.ConnID                            { return 0 }
func (r *Reactor) Poll(time.Duration) *engine.PollState             { return &engine.PollState{Err: errUnsupported} }
func (r *Reactor) Close() error                                     { return nil }
