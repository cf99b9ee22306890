package main

import (
	"sync"
	"time"

	"github.com/matst80/peerhttp/internal/chainstate"
	"github.com/matst80/peerhttp/internal/engine"
)

// status is the node state shared with the metrics server. The engine loop
// writes it, HTTP handlers read snapshots.
type status struct {
	mu        sync.Mutex
	nodeID    string
	networkID uint32
	started   time.Time
	stats     engine.Stats
	view      chainstate.ChainView
	forwarded uint64
	neighbors int
	ready     bool
	closing   bool
}

func newStatus(nodeID string, networkID uint32) *status {
	return &status{nodeID: nodeID, networkID: networkID, started: time.Now()}
}

// Stats represents current node stats for the dashboard and API.
type Stats struct {
	NodeID     string `json:"node_id"`
	NetworkID  uint32 `json:"network_id"`
	BurnHeight uint64 `json:"burn_block_height"`
	Peers      int    `json:"peers"`
	Inbound    int    `json:"inbound"`
	Outbound   int    `json:"outbound"`
	Connecting int    `json:"connecting"`
	Forwarded  uint64 `json:"forwarded_messages"`
	Neighbors  int    `json:"neighbors"`
	Started    string `json:"started"`
	Now        string `json:"now"`

	started time.Time
}

func (s *status) update(st engine.Stats, view chainstate.ChainView, forwarded int) {
	s.mu.Lock()
	s.stats = st
	s.view = view
	s.forwarded += uint64(forwarded)
	s.mu.Unlock()
}

func (s *status) setNeighbors(n int) {
	s.mu.Lock()
	s.neighbors = n
	s.mu.Unlock()
}

func (s *status) setReady(v bool) {
	s.mu.Lock()
	s.ready = v
	s.mu.Unlock()
}

func (s *status) setClosing() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
}

func (s *status) isServing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && !s.closing
}

func (s *status) collect() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		NodeID:     s.nodeID,
		NetworkID:  s.networkID,
		BurnHeight: s.view.BurnBlockHeight,
		Peers:      s.stats.Peers,
		Inbound:    s.stats.Inbound,
		Outbound:   s.stats.Outbound,
		Connecting: s.stats.Connecting,
		Forwarded:  s.forwarded,
		Neighbors:  s.neighbors,
		Started:    s.started.UTC().Format(time.RFC3339),
		Now:        time.Now().UTC().Format(time.RFC3339),
		started:    s.started,
	}
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"NodeID":     s.NodeID,
		"NetworkID":  s.NetworkID,
		"BurnHeight": s.BurnHeight,
		"Peers":      s.Peers,
		"Inbound":    s.Inbound,
		"Outbound":   s.Outbound,
		"Connecting": s.Connecting,
		"Forwarded":  s.Forwarded,
		"Neighbors":  s.Neighbors,
		"Started":    s.started,
	}
}
