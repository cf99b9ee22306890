package engine

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/matst80/peerhttp/internal/chainstate"
	"github.com/matst80/peerhttp/internal/httpx"
	"github.com/matst80/peerhttp/internal/obs"
	"github.com/matst80/peerhttp/internal/proto"
)

// Run absorbs one readiness batch: new sockets are admitted, finished connects
// promoted, ready conversations driven, every conversation flushed and idle
// ones evicted. Connection-level failures become deregistrations; only a
// failed poll is returned.
func (p *HTTPPeer) Run(view chainstate.ChainView, providers *chainstate.Providers, poll *PollState) ([]proto.Message, error) {
	if poll.Err != nil {
		obs.ErrorsTotal.WithLabelValues("poll").Inc()
		return nil, fmt.Errorf("%w: %v", ErrPollFailed, poll.Err)
	}
	start := time.Now()
	p.chainView = view

	var chain chainstate.ChainState
	if providers != nil {
		chain = providers.Chain
	}

	p.processNewSockets(poll.New)
	promoted := p.processConnectingSockets(poll.Ready, chain)

	msgs, dead := p.processReadySockets(poll.Ready, promoted, view, providers)
	for _, id := range dead {
		p.deregister(id, "error")
	}

	for id, reason := range p.flushConversations(chain) {
		obs.Debug("http.close", obs.Fields{"event": id, "reason": reason})
		p.deregister(id, reason)
	}

	for _, c := range p.peers {
		c.ClearTimeouts()
	}

	p.disconnectUnresponsive()

	if p.opts.Limiter != nil {
		active := make(map[string]bool, len(p.peers))
		for _, c := range p.peers {
			active[c.PeerAddr().Addr().Unmap().String()] = true
		}
		p.opts.Limiter.Forget(active)
	}

	for _, m := range msgs {
		obs.MessagesTotal.WithLabelValues(m.Kind()).Inc()
	}
	p.updateGauges()
	obs.TickSeconds.Observe(time.Since(start).Seconds())
	return msgs, nil
}

// processNewSockets admits freshly accepted sockets. Identifiers already known
// to the registry are left alone.
func (p *HTTPPeer) processNewSockets(fresh map[ConnID]Socket) {
	for id, sock := range fresh {
		if _, ok := p.peers[id]; ok {
			continue
		}
		if _, ok := p.connecting[id]; ok {
			continue
		}
		if err := p.reactor.Register(p.serverHandle, id, sock); err != nil {
			obs.Warn("http.accept.register", obs.Fields{"event": id, "err": err})
			obs.ErrorsTotal.WithLabelValues("register").Inc()
			_ = p.reactor.Deregister(id, sock)
			continue
		}
		if err := p.register(id, sock, "", nil, nil); err != nil {
			obs.Debug("http.accept.drop", obs.Fields{"event": id, "err": err})
		}
	}
}

// processConnectingSockets promotes pending connects whose sockets reported
// readiness. The returned set is not driven again in the same tick.
func (p *HTTPPeer) processConnectingSockets(ready map[ConnID]struct{}, chain chainstate.ChainState) map[ConnID]struct{} {
	promoted := make(map[ConnID]struct{})
	for id := range ready {
		pc, ok := p.connecting[id]
		if !ok {
			continue
		}
		delete(p.connecting, id)
		promoted[id] = struct{}{}
		if err := p.register(id, pc.sock, pc.url, pc.request, chain); err != nil {
			obs.Warn("http.connect.promote", obs.Fields{"event": id, "url": pc.url, "err": err})
			continue
		}
		obs.Debug("http.connect.established", obs.Fields{"event": id, "url": pc.url})
	}
	return promoted
}

func (p *HTTPPeer) processReadySockets(ready, promoted map[ConnID]struct{}, view chainstate.ChainView, providers *chainstate.Providers) ([]proto.Message, []ConnID) {
	var msgs []proto.Message
	var dead []ConnID
	for id := range ready {
		if _, ok := promoted[id]; ok {
			continue
		}
		convo, ok := p.peers[id]
		if !ok {
			obs.Warn("http.ready.rogue", obs.Fields{"event": id})
			dead = append(dead, id)
			continue
		}
		sock, ok := p.sockets[id]
		if !ok {
			obs.Warn("http.ready.no_socket", obs.Fields{"event": id})
			dead = append(dead, id)
			continue
		}
		out, alive := p.processConversation(id, sock, convo, view, providers)
		msgs = append(msgs, out...)
		if !alive {
			dead = append(dead, id)
		}
	}
	return msgs, dead
}

// processConversation reads, chats and writes once for a ready conversation.
// It reports whether the conversation should stay registered.
func (p *HTTPPeer) processConversation(id ConnID, sock Socket, convo Conversation, view chainstate.ChainView, providers *chainstate.Providers) ([]proto.Message, bool) {
	var chain chainstate.ChainState
	if providers != nil {
		chain = providers.Chain
	}

	alive, invalid := true, false
	if err := convo.Recv(sock); err != nil {
		switch {
		case errors.Is(err, ErrPermanentlyDrained):
			obs.Debug("http.recv.drained", obs.Fields{"event": id})
		case errors.Is(err, ErrInvalidMessage):
			obs.Info("http.recv.invalid", obs.Fields{"event": id, "addr": convo.PeerAddr().String(), "err": err})
			obs.ErrorsTotal.WithLabelValues("invalid_message").Inc()
			invalid = true
			if convo.TargetURL() != "" {
				break
			}
			resp := httpx.NewResponse(http.StatusBadRequest, "application/json",
				[]byte(`{"error":"bad request","reason":"malformed HTTP message"}`), false)
			if rerr := convo.ReplyError(sock, resp); rerr != nil {
				obs.Debug("http.reply_error", obs.Fields{"event": id, "err": rerr})
			} else if serr := saturate(sock, convo, chain); serr != nil {
				obs.Debug("http.reply_error.send", obs.Fields{"event": id, "err": serr})
			}
		default:
			obs.Debug("http.recv", obs.Fields{"event": id, "err": err})
			obs.ErrorsTotal.WithLabelValues("recv").Inc()
		}
		alive = false
	}

	msgs, err := convo.Chat(view, providers)
	if err != nil {
		obs.Debug("http.chat", obs.Fields{"event": id, "err": err})
		obs.ErrorsTotal.WithLabelValues("chat").Inc()
		alive = false
	}
	if invalid {
		return nil, false
	}
	if !alive {
		return msgs, false
	}

	if _, err := convo.Send(sock, chain); err != nil {
		obs.Debug("http.send", obs.Fields{"event": id, "err": err})
		obs.ErrorsTotal.WithLabelValues("send").Inc()
		return msgs, false
	}
	return msgs, true
}

// flushConversations pushes pending reply data and picks the conversations to
// close, with the reason for each.
func (p *HTTPPeer) flushConversations(chain chainstate.ChainState) map[ConnID]string {
	closing := make(map[ConnID]string)
	for id, convo := range p.peers {
		sock, ok := p.sockets[id]
		if !ok {
			closing[id] = "broken"
			continue
		}
		if err := convo.TryFlush(chain); err != nil {
			obs.Debug("http.flush", obs.Fields{"event": id, "err": err})
			closing[id] = "broken"
			continue
		}
		if _, err := convo.Send(sock, chain); err != nil {
			obs.Debug("http.flush.send", obs.Fields{"event": id, "err": err})
			closing[id] = "broken"
			continue
		}
		if convo.IsDrained() && !convo.IsKeepAlive() {
			closing[id] = "drained"
		}
	}
	return closing
}

func effectiveTime(t, fallback time.Time) time.Time {
	if t.IsZero() {
		return fallback
	}
	return t
}

// disconnectUnresponsive evicts conversations that have neither sent nor
// received anything within the idle timeout.
func (p *HTTPPeer) disconnectUnresponsive() {
	if p.opts.IdleTimeout <= 0 {
		return
	}
	now := p.now()
	var idle []ConnID
	for id, convo := range p.peers {
		connected := convo.ConnectionTime()
		lastReq := effectiveTime(convo.LastRequestTime(), connected)
		lastResp := effectiveTime(convo.LastResponseTime(), connected)
		if lastReq.Add(p.opts.IdleTimeout).Before(now) && lastResp.Add(p.opts.IdleTimeout).Before(now) {
			obs.Debug("http.evict.idle", obs.Fields{
				"event":         id,
				"addr":          convo.PeerAddr().String(),
				"last_request":  lastReq,
				"last_response": lastResp,
			})
			idle = append(idle, id)
		}
	}
	for _, id := range idle {
		p.deregister(id, "idle")
		obs.IdleEvictedTotal.Inc()
	}
}
