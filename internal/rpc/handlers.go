package rpc

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/matst80/peerhttp/internal/chainstate"
	"github.com/matst80/peerhttp/internal/httpx"
	"github.com/matst80/peerhttp/internal/obs"
	"github.com/matst80/peerhttp/internal/proto"
)

type reply struct {
	status int
	body   any
	stream io.ReadCloser
}

type handlerFunc func(c *Conversation, req *httpx.Request, arg string, view chainstate.ChainView, p *chainstate.Providers) (reply, proto.Message)

type route struct {
	method string
	path   string
	// prefix routes take the final path segment as their argument
	prefix bool
	name   string
	handle handlerFunc
}

var routes = []route{
	{method: http.MethodGet, path: "/v2/info", name: "info", handle: handleInfo},
	{method: http.MethodGet, path: "/v2/neighbors", name: "neighbors", handle: handleNeighbors},
	{method: http.MethodGet, path: "/v2/blocks/", prefix: true, name: "get_block", handle: handleGetBlock},
	{method: http.MethodPost, path: "/v2/transactions", name: "post_transaction", handle: handlePostTransaction},
	{method: http.MethodPost, path: "/v2/blocks/upload/", prefix: true, name: "post_block", handle: handlePostBlock},
	{method: http.MethodPost, path: "/v2/microblocks", name: "post_microblock", handle: handlePostMicroblock},
	{method: http.MethodPost, path: "/v2/blocks/available", name: "blocks_available", handle: handleAvailable(false)},
	{method: http.MethodPost, path: "/v2/microblocks/available", name: "microblocks_available", handle: handleAvailable(true)},
}

// match finds the route for method and path. found reports whether some route
// serves the path under another method.
func match(method, path string) (r route, arg string, ok, found bool) {
	for _, rt := range routes {
		var a string
		switch {
		case rt.prefix && strings.HasPrefix(path, rt.path):
			a = strings.TrimPrefix(path, rt.path)
			if a == "" || strings.Contains(a, "/") {
				continue
			}
		case !rt.prefix && path == rt.path:
		default:
			continue
		}
		if rt.method == method {
			return rt, a, true, true
		}
		found = true
	}
	return route{}, "", false, found
}

func errorReply(status int, msg string, err error) reply {
	body := proto.ErrorBody{Error: msg}
	if err != nil {
		body.Reason = err.Error()
	}
	return reply{status: status, body: body}
}

// Chat answers the parsed requests in arrival order and returns the protocol
// messages they carried. A streamed block holds back later requests until it
// has been written.
func (c *Conversation) Chat(view chainstate.ChainView, providers *chainstate.Providers) ([]proto.Message, error) {
	if c.outbound() {
		return nil, nil
	}
	var msgs []proto.Message
	for len(c.inbox) > 0 && c.block == nil {
		req := c.inbox[0]
		c.inbox = c.inbox[1:]
		c.keepAlive = req.KeepAlive()

		name, rep, msg := c.dispatch(req, view, providers)
		c.writeReply(name, rep)
		if msg != nil {
			msgs = append(msgs, msg)
		}
		if !c.keepAlive {
			c.inbox = nil
		}
	}
	return msgs, nil
}

func (c *Conversation) dispatch(req *httpx.Request, view chainstate.ChainView, p *chainstate.Providers) (string, reply, proto.Message) {
	if !c.opts.Limiter.AllowRequest(c.peerIP()) {
		obs.Debug("rpc.ratelimit", c.logFields())
		return "ratelimit", errorReply(http.StatusTooManyRequests, "too many requests", nil), nil
	}
	rt, arg, ok, found := match(req.Method, req.Path())
	if !ok {
		if found {
			return "unknown", errorReply(http.StatusMethodNotAllowed, "method not allowed", nil), nil
		}
		return "unknown", errorReply(http.StatusNotFound, "not found", nil), nil
	}
	rep, msg := rt.handle(c, req, arg, view, p)
	return rt.name, rep, msg
}

func (c *Conversation) writeReply(name string, r reply) {
	if r.stream != nil {
		resp := httpx.NewResponse(r.status, "application/octet-stream", nil, c.keepAlive)
		if _, err := resp.WriteChunkedHead(c.buf()); err != nil {
			_ = r.stream.Close()
			r = errorReply(http.StatusInternalServerError, "stream failed", err)
		} else {
			c.block = &blockStream{rc: r.stream}
			obs.RequestsTotal.WithLabelValues(name, strconv.Itoa(r.status)).Inc()
			return
		}
	}
	body, err := json.Marshal(r.body)
	if err != nil {
		r.status = http.StatusInternalServerError
		body = []byte(`{"error":"encode failed"}`)
	}
	resp := httpx.NewResponse(r.status, "application/json", body, c.keepAlive)
	_, _ = resp.WriteTo(c.buf())
	c.lastResponse = c.now()
	obs.RequestsTotal.WithLabelValues(name, strconv.Itoa(r.status)).Inc()
}

// hashHex is the SHA-512/256 digest of raw, hex encoded; transactions, blocks
// and microblocks are identified by it.
func hashHex(raw []byte) string {
	sum := sha512.Sum512_256(raw)
	return hex.EncodeToString(sum[:])
}

func validHash(s string) bool {
	if s == "" || len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func handleInfo(c *Conversation, _ *httpx.Request, _ string, view chainstate.ChainView, p *chainstate.Providers) (reply, proto.Message) {
	info := proto.PeerInfo{
		NodeID:            c.nodeID,
		NetworkID:         c.networkID,
		BurnBlockHeight:   view.BurnBlockHeight,
		ConsensusHash:     view.BurnConsensusHash,
		StableBlockHeight: view.StableBurnHeight,
		StableConsensus:   view.StableConsensusHash,
	}
	if p != nil && p.Chain != nil {
		tip, err := p.Chain.Tip()
		if err != nil {
			return errorReply(http.StatusInternalServerError, "chain tip unavailable", err), nil
		}
		info.TipHeight = tip.Height
		info.TipHash = tip.BlockHash
		info.TipConsensusHash = tip.ConsensusHash
	}
	return reply{status: http.StatusOK, body: info}, nil
}

func handleNeighbors(_ *Conversation, _ *httpx.Request, _ string, _ chainstate.ChainView, p *chainstate.Providers) (reply, proto.Message) {
	out := proto.Neighbors{Sample: []proto.Neighbor{}, Inbound: []proto.Neighbor{}, Outbound: []proto.Neighbor{}}
	if p != nil && p.Peers != nil {
		ns, err := p.Peers.Neighbors()
		if err != nil {
			return errorReply(http.StatusInternalServerError, "peer db unavailable", err), nil
		}
		out.Sample = append(out.Sample, ns...)
	}
	return reply{status: http.StatusOK, body: out}, nil
}

func handleGetBlock(_ *Conversation, _ *httpx.Request, indexHash string, _ chainstate.ChainView, p *chainstate.Providers) (reply, proto.Message) {
	if !validHash(indexHash) {
		return errorReply(http.StatusBadRequest, "bad index block hash", nil), nil
	}
	if p == nil || p.Chain == nil {
		return errorReply(http.StatusNotFound, "no such block", nil), nil
	}
	rc, err := p.Chain.OpenBlock(indexHash)
	if errors.Is(err, chainstate.ErrNotFound) {
		return errorReply(http.StatusNotFound, "no such block", nil), nil
	}
	if err != nil {
		return errorReply(http.StatusInternalServerError, "block store unavailable", err), nil
	}
	return reply{status: http.StatusOK, stream: rc}, nil
}

// handlePostTransaction accepts a raw transaction, binary or hex encoded as
// text/plain.
func handlePostTransaction(_ *Conversation, req *httpx.Request, _ string, _ chainstate.ChainView, p *chainstate.Providers) (reply, proto.Message) {
	raw := req.Body
	if strings.HasPrefix(strings.ToLower(req.Headers.Get("Content-Type")), "text/plain") {
		decoded, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return errorReply(http.StatusBadRequest, "transaction is not hex", err), nil
		}
		raw = decoded
	}
	if len(raw) == 0 {
		return errorReply(http.StatusBadRequest, "empty transaction", nil), nil
	}
	txid := hashHex(raw)
	if p != nil && p.Mempool != nil {
		err := p.Mempool.Submit(txid, raw)
		switch {
		case errors.Is(err, chainstate.ErrDuplicate):
			return reply{status: http.StatusOK, body: proto.TxAccepted{TxID: txid}}, nil
		case errors.Is(err, chainstate.ErrInvalid):
			return errorReply(http.StatusBadRequest, "transaction rejected", err), nil
		case err != nil:
			return errorReply(http.StatusInternalServerError, "mempool unavailable", err), nil
		}
	}
	return reply{status: http.StatusOK, body: proto.TxAccepted{TxID: txid}}, proto.Transaction{TxID: txid, Raw: raw}
}

func knownConsensus(p *chainstate.Providers, hash string) (bool, error) {
	if p == nil || p.Burn == nil {
		return true, nil
	}
	return p.Burn.KnownConsensusHash(hash)
}

func handlePostBlock(_ *Conversation, req *httpx.Request, consensusHash string, _ chainstate.ChainView, p *chainstate.Providers) (reply, proto.Message) {
	if !validHash(consensusHash) {
		return errorReply(http.StatusBadRequest, "bad consensus hash", nil), nil
	}
	if len(req.Body) == 0 {
		return errorReply(http.StatusBadRequest, "empty block", nil), nil
	}
	known, err := knownConsensus(p, consensusHash)
	if err != nil {
		return errorReply(http.StatusInternalServerError, "burn db unavailable", err), nil
	}
	hash := hashHex(req.Body)
	if !known {
		return reply{status: http.StatusOK, body: proto.Accepted{Accepted: false, Hash: hash}}, nil
	}
	msg := proto.Block{ConsensusHash: consensusHash, BlockHash: hash, Raw: req.Body}
	return reply{status: http.StatusOK, body: proto.Accepted{Accepted: true, Hash: hash}}, msg
}

// handlePostMicroblock takes one microblock confirming the anchored block named
// by the index_anchor query parameter.
func handlePostMicroblock(_ *Conversation, req *httpx.Request, _ string, _ chainstate.ChainView, _ *chainstate.Providers) (reply, proto.Message) {
	var anchor string
	if i := strings.IndexByte(req.URI, '?'); i != -1 {
		q, err := url.ParseQuery(req.URI[i+1:])
		if err != nil {
			return errorReply(http.StatusBadRequest, "bad query", err), nil
		}
		anchor = q.Get("index_anchor")
	}
	if !validHash(anchor) {
		return errorReply(http.StatusBadRequest, "missing index_anchor", nil), nil
	}
	if len(req.Body) == 0 {
		return errorReply(http.StatusBadRequest, "empty microblock", nil), nil
	}
	hash := hashHex(req.Body)
	msg := proto.Microblocks{IndexAnchorHash: anchor, Raw: [][]byte{req.Body}}
	return reply{status: http.StatusOK, body: proto.Accepted{Accepted: true, Hash: hash}}, msg
}

func handleAvailable(micro bool) handlerFunc {
	return func(_ *Conversation, req *httpx.Request, _ string, _ chainstate.ChainView, p *chainstate.Providers) (reply, proto.Message) {
		var av proto.Availability
		if err := json.Unmarshal(req.Body, &av); err != nil {
			return errorReply(http.StatusBadRequest, "bad availability body", err), nil
		}
		seen := make(map[string]bool, len(av.ConsensusHashes))
		var hashes []string
		for _, h := range av.ConsensusHashes {
			if seen[h] || !validHash(h) {
				continue
			}
			seen[h] = true
			known, err := knownConsensus(p, h)
			if err != nil {
				return errorReply(http.StatusInternalServerError, "burn db unavailable", err), nil
			}
			if known {
				hashes = append(hashes, h)
			}
		}
		if len(hashes) == 0 {
			return reply{status: http.StatusOK, body: proto.Accepted{Accepted: false}}, nil
		}
		ok := reply{status: http.StatusOK, body: proto.Accepted{Accepted: true}}
		if micro {
			return ok, proto.MicroblocksAvailable{ConsensusHashes: hashes}
		}
		return ok, proto.BlocksAvailable{ConsensusHashes: hashes}
	}
}
