package chainstate

import (
	"bytes"
	"io"
	"sort"
	"sync"

	"github.com/matst80/peerhttp/internal/proto"
)

// MemoryChain is an in-process ChainState and BurnDB.
type MemoryChain struct {
	mu        sync.Mutex
	tip       Tip
	blocks    map[string][]byte
	consensus map[string]bool
}

func NewMemoryChain() *MemoryChain {
	return &MemoryChain{blocks: make(map[string][]byte), consensus: make(map[string]bool)}
}

var (
	_ ChainState = (*MemoryChain)(nil)
	_ BurnDB     = (*MemoryChain)(nil)
)

func (m *MemoryChain) SetTip(t Tip) {
	m.mu.Lock()
	m.tip = t
	m.consensus[t.ConsensusHash] = true
	m.mu.Unlock()
}

func (m *MemoryChain) AddConsensusHash(hash string) {
	m.mu.Lock()
	m.consensus[hash] = true
	m.mu.Unlock()
}

func (m *MemoryChain) PutBlock(indexHash string, raw []byte) {
	m.mu.Lock()
	m.blocks[indexHash] = append([]byte(nil), raw...)
	m.mu.Unlock()
}

func (m *MemoryChain) Tip() (Tip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tip, nil
}

func (m *MemoryChain) OpenBlock(indexHash string) (io.ReadCloser, error) {
	m.mu.Lock()
	raw, ok := m.blocks[indexHash]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func (m *MemoryChain) KnownConsensusHash(hash string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consensus[hash], nil
}

// MemoryMempool keeps raw transactions by txid.
type MemoryMempool struct {
	mu  sync.Mutex
	txs map[string][]byte
}

func NewMemoryMempool() *MemoryMempool {
	return &MemoryMempool{txs: make(map[string][]byte)}
}

func (m *MemoryMempool) Submit(txid string, raw []byte) error {
	if len(raw) == 0 {
		return ErrInvalid
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.txs[txid]; ok {
		return ErrDuplicate
	}
	m.txs[txid] = append([]byte(nil), raw...)
	return nil
}

func (m *MemoryMempool) Has(txid string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.txs[txid]
	return ok
}

func (m *MemoryMempool) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

// MemoryPeerDB is a PeerDB keyed by address.
type MemoryPeerDB struct {
	mu    sync.Mutex
	peers map[string]proto.Neighbor
}

func NewMemoryPeerDB() *MemoryPeerDB {
	return &MemoryPeerDB{peers: make(map[string]proto.Neighbor)}
}

func (m *MemoryPeerDB) Neighbors() ([]proto.Neighbor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]proto.Neighbor, 0, len(m.peers))
	for _, n := range m.peers {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr || (out[i].Addr == out[j].Addr && out[i].Port < out[j].Port) })
	return out, nil
}

func (m *MemoryPeerDB) Upsert(n proto.Neighbor) error {
	m.mu.Lock()
	m.peers[neighborKey(n)] = n
	m.mu.Unlock()
	return nil
}

func (m *MemoryPeerDB) Remove(addr string) error {
	m.mu.Lock()
	delete(m.peers, addr)
	m.mu.Unlock()
	return nil
}
