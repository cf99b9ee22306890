//go:build linux

package reactor

import (
	"io"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/matst80/peerhttp/internal/chainstate"
	"github.com/matst80/peerhttp/internal/engine"
	"github.com/matst80/peerhttp/internal/proto"
	"github.com/matst80/peerhttp/internal/rpc"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func listen(t *testing.T) (*Reactor, int, netip.AddrPort) {
	t.Helper()
	r, err := New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	h, err := r.Listen(netip.MustParseAddrPort("127.0.0.1:0"))
	require.NoError(t, err)
	addr, ok := r.LocalAddr(h)
	require.True(t, ok)
	require.NotZero(t, addr.Port())
	return r, h, addr
}

// pollUntil polls until cond holds for an accumulated batch or the deadline passes.
func pollUntil(t *testing.T, r *Reactor, cond func(ps *engine.PollState) bool) *engine.PollState {
	t.Helper()
	acc := &engine.PollState{New: map[engine.ConnID]engine.Socket{}, Ready: map[engine.ConnID]struct{}{}}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ps := r.Poll(20 * time.Millisecond)
		require.NoError(t, ps.Err)
		for id, s := range ps.New {
			acc.New[id] = s
		}
		for id := range ps.Ready {
			acc.Ready[id] = struct{}{}
		}
		if cond(acc) {
			return acc
		}
	}
	t.Fatal("condition not reached before deadline")
	return nil
}

// readReady polls and reads until want bytes arrived or the socket fails.
func readReady(t *testing.T, r *Reactor, sock engine.Socket, want int) (string, error) {
	t.Helper()
	var got []byte
	buf := make([]byte, 64)
	deadline := time.Now().Add(3 * time.Second)
	for len(got) < want && time.Now().Before(deadline) {
		n, err := sock.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			return string(got), err
		}
		if n == 0 {
			require.NoError(t, r.Poll(20*time.Millisecond).Err)
		}
	}
	return string(got), nil
}

func TestAcceptReadWrite(t *testing.T) {
	r, h, addr := listen(t)

	client, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer client.Close()

	ps := pollUntil(t, r, func(ps *engine.PollState) bool { return len(ps.New) == 1 })
	var id engine.ConnID
	var sock engine.Socket
	for id, sock = range ps.New {
	}
	peer, err := sock.PeerAddr()
	require.NoError(t, err)
	require.Equal(t, client.LocalAddr().String(), peer.String())
	require.NoError(t, r.Register(h, id, sock))

	_, err = client.Write([]byte("ping"))
	require.NoError(t, err)
	got, err := readReady(t, r, sock, 4)
	require.NoError(t, err)
	require.Equal(t, "ping", got)

	buf := make([]byte, 16)
	n, err := sock.Read(buf)
	require.NoError(t, err)
	require.Zero(t, n, "nothing more to read without blocking")

	_, err = sock.Write([]byte("pong"))
	require.NoError(t, err)
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err = client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "pong", string(buf[:n]))

	require.NoError(t, client.Close())
	_, err = readReady(t, r, sock, 1)
	require.ErrorIs(t, err, io.EOF)

	require.NoError(t, r.Deregister(id, sock))
	require.NoError(t, r.Deregister(id, sock))
}

func TestConnectReportsReadiness(t *testing.T) {
	r, h, addr := listen(t)

	sock, err := r.Connect(addr)
	require.NoError(t, err)
	id := r.NextID()
	require.NoError(t, r.Register(h, id, sock))

	ps := pollUntil(t, r, func(ps *engine.PollState) bool {
		_, ok := ps.Ready[id]
		return ok && len(ps.New) == 1
	})
	peer, err := sock.PeerAddr()
	require.NoError(t, err)
	require.Equal(t, addr, peer)

	for aid, s := range ps.New {
		require.NotEqual(t, id, aid)
		require.NoError(t, r.Deregister(aid, s))
	}
	require.NoError(t, r.Deregister(id, sock))
}

func TestConnectRefusedFailsPeerAddr(t *testing.T) {
	r, h, _ := listen(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := netip.MustParseAddrPort(l.Addr().String())
	require.NoError(t, l.Close())

	sock, err := r.Connect(dead)
	if err != nil {
		// some kernels refuse loopback connects synchronously
		return
	}
	id := r.NextID()
	require.NoError(t, r.Register(h, id, sock))
	pollUntil(t, r, func(ps *engine.PollState) bool { _, ok := ps.Ready[id]; return ok })

	_, err = sock.PeerAddr()
	require.Error(t, err)
	require.NoError(t, r.Deregister(id, sock))
}

func TestRegisterRejectsUnknownHandle(t *testing.T) {
	r, _, addr := listen(t)
	sock, err := r.Connect(addr)
	require.NoError(t, err)
	require.Error(t, r.Register(-7, r.NextID(), sock))
	require.NoError(t, sock.(*Conn).Close())
}

func TestPollAfterClose(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.ErrorIs(t, r.Poll(time.Millisecond).Err, ErrClosed)
}

// TestServesRealClient runs the engine and the rpc conversation over real
// sockets until a raw HTTP client gets its answer.
func TestServesRealClient(t *testing.T) {
	r, h, addr := listen(t)
	chain := chainstate.NewMemoryChain()
	providers := &chainstate.Providers{Burn: chain, Chain: chain, Mempool: chainstate.NewMemoryMempool(), Peers: chainstate.NewMemoryPeerDB()}
	peer := engine.New(1, chainstate.ChainView{}, engine.DefaultConnectionOptions(), h, r, rpc.NewFactory())
	defer peer.Close()

	answer := make(chan string, 1)
	go func() {
		c, err := net.Dial("tcp", addr.String())
		if err != nil {
			answer <- err.Error()
			return
		}
		defer c.Close()
		_ = c.SetDeadline(time.Now().Add(3 * time.Second))
		_, _ = io.WriteString(c, "POST /v2/transactions HTTP/1.1\r\nHost: node\r\nConnection: close\r\nContent-Length: 2\r\n\r\nhi")
		raw, _ := io.ReadAll(c)
		answer <- string(raw)
	}()

	var msgs []proto.Message
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		out, err := peer.Run(chainstate.ChainView{}, providers, r.Poll(20*time.Millisecond))
		require.NoError(t, err)
		msgs = append(msgs, out...)
		select {
		case got := <-answer:
			require.True(t, strings.HasPrefix(got, "HTTP/1.1 200 OK\r\n"), got)
			require.Len(t, msgs, 1)
			require.Equal(t, "transaction", msgs[0].Kind())
			require.Zero(t, peer.Stats().Peers)
			return
		default:
		}
	}
	t.Fatal("client never got a response")
}
