package main

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/matst80/peerhttp/internal/chainstate"
	"github.com/matst80/peerhttp/internal/engine"
	"github.com/matst80/peerhttp/internal/proto"
	"github.com/matst80/peerhttp/internal/rpc"
	"github.com/stretchr/testify/require"
)

type scriptedPoller struct {
	batches []*engine.PollState
}

func (p *scriptedPoller) Poll(time.Duration) *engine.PollState {
	if len(p.batches) == 0 {
		return &engine.PollState{}
	}
	ps := p.batches[0]
	p.batches = p.batches[1:]
	return ps
}

func newTestNode(poll *scriptedPoller) (*node, *memReactor) {
	r := newMemReactor()
	chain := chainstate.NewMemoryChain()
	chain.SetTip(chainstate.Tip{Height: 77, BlockHash: "beef", ConsensusHash: "c0ffee"})
	peers := chainstate.NewMemoryPeerDB()
	_ = peers.Upsert(proto.Neighbor{NetworkID: 0x80000000, Addr: "10.0.0.9", Port: 20444})
	peer := engine.New(0x80000000, chainstate.ChainView{}, engine.DefaultConnectionOptions(), 0, r, rpc.NewFactory(rpc.WithNodeID("node-1")))
	return &node{
		peer:         peer,
		poller:       poll,
		chain:        chain,
		providers:    &chainstate.Providers{Burn: chain, Chain: chain, Mempool: chainstate.NewMemoryMempool(), Peers: peers},
		status:       newStatus("node-1", 0x80000000),
		pollInterval: time.Millisecond,
		now:          time.Now,
	}, r
}

func TestNodeStepForwardsAndReports(t *testing.T) {
	sock := &memSocket{addr: netip.MustParseAddrPort("10.0.0.5:41000")}
	sock.in.WriteString("POST /v2/transactions HTTP/1.1\r\nHost: node\r\nContent-Length: 3\r\n\r\ntx1")
	poll := &scriptedPoller{batches: []*engine.PollState{
		{New: map[engine.ConnID]engine.Socket{1: sock}},
		ready(1),
	}}
	n, _ := newTestNode(poll)

	require.NoError(t, n.step())
	require.NoError(t, n.step())

	st := n.status.collect()
	require.Equal(t, uint64(1), st.Forwarded)
	require.Equal(t, 1, st.Peers)
	require.Equal(t, 1, st.Inbound)
	require.Equal(t, uint64(77), st.BurnHeight)
	require.Equal(t, 1, st.Neighbors)
	require.Contains(t, sock.out.String(), "HTTP/1.1 200 OK")
}

func TestNodeStepFailsOnPollError(t *testing.T) {
	failed := &engine.PollState{Err: errors.New("epoll_wait: bad fd")}
	n, _ := newTestNode(&scriptedPoller{batches: []*engine.PollState{failed, failed}})
	err := n.step()
	require.ErrorIs(t, err, engine.ErrPollFailed)
	require.ErrorIs(t, n.run(context.Background()), engine.ErrPollFailed)
}

func TestNodeRunStopsOnCancel(t *testing.T) {
	n, _ := newTestNode(&scriptedPoller{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, n.run(ctx))
}

func TestRelayKeepsUploadedBlocks(t *testing.T) {
	n, _ := newTestNode(&scriptedPoller{})
	n.relay(proto.Block{ConsensusHash: "c0ffee", BlockHash: "b10c", Raw: []byte("block")})

	rc, err := n.chain.OpenBlock("b10c")
	require.NoError(t, err)
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "block", string(raw))
}
