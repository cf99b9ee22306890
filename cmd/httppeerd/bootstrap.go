package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/jpillora/backoff"
	"github.com/matst80/peerhttp/internal/chainstate"
	"github.com/matst80/peerhttp/internal/engine"
	"github.com/matst80/peerhttp/internal/httpx"
	"github.com/matst80/peerhttp/internal/obs"
	"github.com/matst80/peerhttp/internal/proto"
)

var errNoReply = errors.New("no reply")

type bootstrapTarget struct {
	url     string
	host    httpx.PeerHost
	addr    netip.AddrPort
	backoff *backoff.Backoff
	next    time.Time
	id      engine.ConnID
	waiting bool
}

// bootstrapper periodically asks the configured peers for their neighbors and
// records them in the peer directory. It runs on the engine goroutine, so
// seed hosts are resolved once when it is built.
type bootstrapper struct {
	peer      *engine.HTTPPeer
	peers     chainstate.PeerDB
	networkID uint32
	interval  time.Duration
	now       func() time.Time
	targets   []*bootstrapTarget
	replies   map[engine.ConnID]*httpx.Response
}

func newBootstrapper(peer *engine.HTTPPeer, peers chainstate.PeerDB, urls []string, interval time.Duration, resolve func(host string) (netip.Addr, error)) (*bootstrapper, error) {
	b := &bootstrapper{
		peer:      peer,
		peers:     peers,
		networkID: peer.NetworkID(),
		interval:  interval,
		now:       time.Now,
		replies:   make(map[engine.ConnID]*httpx.Response),
	}
	for _, u := range urls {
		host, err := httpx.ParsePeerHost(u)
		if err != nil {
			return nil, fmt.Errorf("bootstrap peer %q: %w", u, err)
		}
		ip, err := resolve(host.Host)
		if err != nil {
			return nil, fmt.Errorf("resolve bootstrap peer %q: %w", u, err)
		}
		b.targets = append(b.targets, &bootstrapTarget{
			url:  u,
			host: host,
			addr: netip.AddrPortFrom(ip, host.Port),
			backoff: &backoff.Backoff{
				Factor: 2,
				Jitter: true,
				Min:    time.Second,
				Max:    2 * time.Minute,
			},
		})
	}
	return b, nil
}

func resolveHost(host string) (netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return a, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.Addr{}, err
	}
	if len(addrs) == 0 {
		return netip.Addr{}, fmt.Errorf("no addresses for %s", host)
	}
	return addrs[0], nil
}

func (b *bootstrapper) tick() {
	now := b.now()
	for _, t := range b.targets {
		if t.waiting {
			b.collect(t, now)
			continue
		}
		if now.Before(t.next) {
			continue
		}
		b.ask(t, now)
	}
}

// deliver records the response to a request sent on conversation id.
func (b *bootstrapper) deliver(id engine.ConnID, resp *httpx.Response) {
	for _, t := range b.targets {
		if t.waiting && t.id == id {
			b.replies[id] = resp
			return
		}
	}
	obs.Debug("bootstrap.unexpected_reply", obs.Fields{"event": id, "status": resp.Status})
}

func (b *bootstrapper) ask(t *bootstrapTarget, now time.Time) {
	req := httpx.NewRequest(http.MethodGet, "/v2/neighbors", t.host.String(), nil, true)
	if id, ok := b.peer.FindFreeConversation(t.url); ok {
		if c, ok := b.peer.Conversation(id); ok {
			if err := c.SendRequest(req); err != nil {
				b.fail(t, now, err)
				return
			}
			t.id, t.waiting = id, true
			return
		}
	}
	id, err := b.peer.Connect(t.url, t.addr, req)
	if err != nil {
		b.fail(t, now, err)
		return
	}
	t.id, t.waiting = id, true
	obs.Debug("bootstrap.ask", obs.Fields{"url": t.url, "event": id})
}

func (b *bootstrapper) collect(t *bootstrapTarget, now time.Time) {
	resp, ok := b.replies[t.id]
	if !ok {
		if b.peer.IsConnecting(t.id) {
			return
		}
		if c, ok := b.peer.Conversation(t.id); ok && c.IsRequestInflight() {
			return
		}
		b.fail(t, now, errNoReply)
		return
	}
	delete(b.replies, t.id)
	if resp.Status != http.StatusOK {
		b.fail(t, now, fmt.Errorf("status %d", resp.Status))
		return
	}
	var body proto.Neighbors
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		b.fail(t, now, fmt.Errorf("decode neighbors: %w", err))
		return
	}
	stored := 0
	for _, list := range [][]proto.Neighbor{body.Sample, body.Inbound, body.Outbound} {
		for _, n := range list {
			if n.NetworkID != b.networkID || n.Addr == "" || n.Port == 0 {
				continue
			}
			if err := b.peers.Upsert(n); err != nil {
				obs.Warn("bootstrap.upsert", obs.Fields{"url": t.url, "neighbor": n.Addr, "err": err})
				continue
			}
			stored++
		}
	}
	t.waiting = false
	t.backoff.Reset()
	t.next = now.Add(b.interval)
	obs.BootstrapTotal.WithLabelValues("ok").Inc()
	obs.Info("bootstrap.neighbors", obs.Fields{"url": t.url, "stored": stored})
}

func (b *bootstrapper) fail(t *bootstrapTarget, now time.Time, err error) {
	t.waiting = false
	wait := t.backoff.Duration()
	t.next = now.Add(wait)
	obs.BootstrapTotal.WithLabelValues("error").Inc()
	obs.Warn("bootstrap.failed", obs.Fields{"url": t.url, "err": err, "retry_in": wait.String()})
}
