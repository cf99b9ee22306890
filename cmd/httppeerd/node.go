package main

import (
	"context"
	"fmt"
	"time"

	"github.com/matst80/peerhttp/internal/chainstate"
	"github.com/matst80/peerhttp/internal/engine"
	"github.com/matst80/peerhttp/internal/httpx"
	"github.com/matst80/peerhttp/internal/obs"
	"github.com/matst80/peerhttp/internal/proto"
)

type poller interface {
	Poll(timeout time.Duration) *engine.PollState
}

const neighborRefresh = 5 * time.Second

// node drives the engine from a single goroutine.
type node struct {
	peer         *engine.HTTPPeer
	poller       poller
	chain        *chainstate.MemoryChain
	providers    *chainstate.Providers
	boot         *bootstrapper
	status       *status
	pollInterval time.Duration
	neighborsAt  time.Time
	now          func() time.Time
}

func (n *node) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		if err := n.step(); err != nil {
			return err
		}
	}
}

func (n *node) view() chainstate.ChainView {
	tip, err := n.chain.Tip()
	if err != nil {
		return n.peer.ChainView()
	}
	return chainstate.ChainView{
		BurnBlockHeight:     tip.Height,
		BurnConsensusHash:   tip.ConsensusHash,
		StableBurnHeight:    tip.Height,
		StableConsensusHash: tip.ConsensusHash,
	}
}

func (n *node) step() error {
	view := n.view()
	msgs, err := n.peer.Run(view, n.providers, n.poller.Poll(n.pollInterval))
	if err != nil {
		return fmt.Errorf("engine run: %w", err)
	}
	for _, m := range msgs {
		n.relay(m)
	}
	if n.boot != nil {
		n.boot.tick()
	}
	n.status.update(n.peer.Stats(), view, len(msgs))
	if now := n.now(); now.Sub(n.neighborsAt) >= neighborRefresh {
		n.neighborsAt = now
		if ns, err := n.providers.Peers.Neighbors(); err == nil {
			n.status.setNeighbors(len(ns))
		} else {
			obs.Warn("node.neighbors", obs.Fields{"err": err})
		}
	}
	return nil
}

// deliver routes responses from outbound conversations.
func (n *node) deliver(id engine.ConnID, resp *httpx.Response) {
	if n.boot != nil {
		n.boot.deliver(id, resp)
		return
	}
	obs.Debug("node.unexpected_reply", obs.Fields{"event": id, "status": resp.Status})
}

// relay hands a forwarded message to the rest of the node. Uploaded blocks are
// kept so they can be served back.
func (n *node) relay(m proto.Message) {
	switch msg := m.(type) {
	case proto.Transaction:
		obs.Debug("relay.transaction", obs.Fields{"txid": msg.TxID, "bytes": len(msg.Raw)})
	case proto.Block:
		n.chain.PutBlock(msg.BlockHash, msg.Raw)
		obs.Info("relay.block", obs.Fields{"block": msg.BlockHash, "consensus": msg.ConsensusHash, "bytes": len(msg.Raw)})
	case proto.Microblocks:
		obs.Debug("relay.microblocks", obs.Fields{"anchor": msg.IndexAnchorHash, "count": len(msg.Raw)})
	case proto.BlocksAvailable:
		obs.Debug("relay.blocks_available", obs.Fields{"hashes": len(msg.ConsensusHashes)})
	case proto.MicroblocksAvailable:
		obs.Debug("relay.microblocks_available", obs.Fields{"hashes": len(msg.ConsensusHashes)})
	}
}
