//go:build linux

// Package reactor is the epoll readiness source the engine polls. It owns the
// listening sockets and hands accepted connections to the engine already
// numbered; registered connections are watched edge-triggered.
package reactor

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/matst80/peerhttp/internal/engine"
	"github.com/matst80/peerhttp/internal/obs"
	"golang.org/x/sys/unix"
)

const (
	listenBacklog = 1024
	maxEvents     = 256
)

var ErrClosed = errors.New("reactor: closed")

// Reactor is owned by the goroutine that runs the engine.
type Reactor struct {
	epfd      int
	next      engine.ConnID
	listeners map[int]netip.AddrPort
	fds       map[int]engine.ConnID
	conns     map[engine.ConnID]*Conn
	events    []unix.EpollEvent
	closed    bool
}

var _ engine.Reactor = (*Reactor)(nil)

func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Reactor{
		epfd:      epfd,
		listeners: make(map[int]netip.AddrPort),
		fds:       make(map[int]engine.ConnID),
		conns:     make(map[engine.ConnID]*Conn),
		events:    make([]unix.EpollEvent, maxEvents),
	}, nil
}

func toSockaddr(ap netip.AddrPort) (int, unix.Sockaddr) {
	addr := ap.Addr()
	if addr.Is4() || addr.Is4In6() {
		return unix.AF_INET, &unix.SockaddrInet4{Port: int(ap.Port()), Addr: addr.Unmap().As4()}
	}
	return unix.AF_INET6, &unix.SockaddrInet6{Port: int(ap.Port()), Addr: addr.As16()}
}

func fromSockaddr(sa unix.Sockaddr) netip.AddrPort {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(a.Addr), uint16(a.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(a.Addr), uint16(a.Port))
	}
	return netip.AddrPort{}
}

// Listen opens a non-blocking listener on addr and returns its server handle.
func (r *Reactor) Listen(addr netip.AddrPort) (int, error) {
	if r.closed {
		return -1, ErrClosed
	}
	domain, sa := toSockaddr(addr)
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", addr, err)
	}
	// level-triggered, so a backlog left over from a short accept loop fires again
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("epoll_ctl add listener: %w", err)
	}
	local, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("getsockname: %w", err)
	}
	r.listeners[fd] = fromSockaddr(local)
	obs.Info("reactor.listen", obs.Fields{"addr": r.listeners[fd].String(), "handle": fd})
	return fd, nil
}

// LocalAddr is the bound address of a listener.
func (r *Reactor) LocalAddr(handle int) (netip.AddrPort, bool) {
	a, ok := r.listeners[handle]
	return a, ok
}

// Register starts watching sock for readiness under id.
func (r *Reactor) Register(handle int, id engine.ConnID, sock engine.Socket) error {
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.listeners[handle]; !ok {
		return fmt.Errorf("reactor: unknown server handle %d", handle)
	}
	c, ok := sock.(*Conn)
	if !ok {
		return fmt.Errorf("reactor: foreign socket %T", sock)
	}
	if other, ok := r.fds[c.fd]; ok && other != id {
		return fmt.Errorf("reactor: fd %d already registered as event %d", c.fd, other)
	}
	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLRDHUP | unix.EPOLLET,
		Fd:     int32(c.fd),
	}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, c.fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add event %d: %w", id, err)
	}
	r.fds[c.fd] = id
	r.conns[id] = c
	return nil
}

// Deregister stops watching sock and closes it. Closing twice is a no-op.
func (r *Reactor) Deregister(id engine.ConnID, sock engine.Socket) error {
	c, ok := sock.(*Conn)
	if !ok {
		return fmt.Errorf("reactor: foreign socket %T", sock)
	}
	if owner, ok := r.fds[c.fd]; ok && owner == id {
		if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, c.fd, nil); err != nil && !errors.Is(err, unix.ENOENT) {
			obs.Debug("reactor.epoll_del", obs.Fields{"event": id, "err": err})
		}
		delete(r.fds, c.fd)
		delete(r.conns, id)
	}
	return c.Close()
}

// Connect starts a non-blocking connect. Completion is reported as readiness.
func (r *Reactor) Connect(addr netip.AddrPort) (engine.Socket, error) {
	if r.closed {
		return nil, ErrClosed
	}
	domain, sa := toSockaddr(addr)
	fd, err := unix.Socket(domain, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	return &Conn{fd: fd, remote: addr}, nil
}

func (r *Reactor) NextID() engine.ConnID {
	r.next++
	return r.next
}

// Poll waits up to timeout for readiness and returns the batch for the engine.
// An interrupted wait yields an empty batch.
func (r *Reactor) Poll(timeout time.Duration) *engine.PollState {
	ps := &engine.PollState{
		New:   make(map[engine.ConnID]engine.Socket),
		Ready: make(map[engine.ConnID]struct{}),
	}
	if r.closed {
		ps.Err = ErrClosed
		return ps
	}
	n, err := unix.EpollWait(r.epfd, r.events, int(timeout.Milliseconds()))
	if errors.Is(err, unix.EINTR) {
		return ps
	}
	if err != nil {
		ps.Err = fmt.Errorf("epoll_wait: %w", err)
		return ps
	}
	for _, ev := range r.events[:n] {
		fd := int(ev.Fd)
		if _, ok := r.listeners[fd]; ok {
			r.accept(fd, ps)
			continue
		}
		if id, ok := r.fds[fd]; ok {
			ps.Ready[id] = struct{}{}
		}
	}
	return ps
}

func (r *Reactor) accept(lfd int, ps *engine.PollState) {
	for {
		fd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == nil:
			id := r.NextID()
			ps.New[id] = &Conn{fd: fd, remote: fromSockaddr(sa)}
		case errors.Is(err, unix.EAGAIN):
			return
		case errors.Is(err, unix.EINTR), errors.Is(err, unix.ECONNABORTED):
			continue
		default:
			obs.Warn("reactor.accept", obs.Fields{"handle": lfd, "err": err})
			obs.ErrorsTotal.WithLabelValues("accept").Inc()
			return
		}
	}
}

// Close releases every socket the reactor still watches.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	for id, c := range r.conns {
		_ = c.Close()
		delete(r.conns, id)
	}
	for fd := range r.listeners {
		unix.Close(fd)
	}
	r.fds = map[int]engine.ConnID{}
	r.listeners = map[int]netip.AddrPort{}
	return unix.Close(r.epfd)
}

// Conn is a non-blocking TCP socket.
type Conn struct {
	fd     int
	remote netip.AddrPort
	closed bool
}

func (c *Conn) Read(b []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Read(c.fd, b)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case err != nil:
			return 0, err
		case n == 0 && len(b) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	for {
		n, err := unix.Write(c.fd, b)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return 0, nil
		case err != nil:
			return 0, err
		}
		return n, nil
	}
}

// PeerAddr returns the remote address once the socket is connected. A failed
// outbound connect surfaces here as its SO_ERROR.
func (c *Conn) PeerAddr() (netip.AddrPort, error) {
	if c.closed {
		return netip.AddrPort{}, ErrClosed
	}
	if soerr, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR); err == nil && soerr != 0 {
		return netip.AddrPort{}, unix.Errno(soerr)
	}
	sa, err := unix.Getpeername(c.fd)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if ap := fromSockaddr(sa); ap.IsValid() {
		return ap, nil
	}
	return c.remote, nil
}

func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return unix.Close(c.fd)
}
