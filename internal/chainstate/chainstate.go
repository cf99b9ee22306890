// Package chainstate holds the chain snapshot and the data providers an HTTP
// conversation consults while answering a request.
package chainstate

import (
	"errors"
	"io"
	"net"
	"strconv"

	"github.com/matst80/peerhttp/internal/proto"
)

var (
	ErrNotFound  = errors.New("chainstate: not found")
	ErrDuplicate = errors.New("chainstate: already known")
	ErrInvalid   = errors.New("chainstate: invalid data")
)

// ChainView is the burnchain snapshot the node is tracking, refreshed every tick.
type ChainView struct {
	BurnBlockHeight     uint64
	BurnConsensusHash   string
	StableBurnHeight    uint64
	StableConsensusHash string
}

// Tip is the canonical chain tip.
type Tip struct {
	Height        uint64
	BlockHash     string
	ConsensusHash string
}

type ChainState interface {
	Tip() (Tip, error)
	// OpenBlock returns a reader over the stored block for the index hash, or ErrNotFound.
	OpenBlock(indexHash string) (io.ReadCloser, error)
}

type MemPool interface {
	// Submit stores a raw transaction; ErrDuplicate when already present.
	Submit(txid string, raw []byte) error
	Has(txid string) bool
}

type PeerDB interface {
	Neighbors() ([]proto.Neighbor, error)
	Upsert(n proto.Neighbor) error
	Remove(addr string) error
}

type BurnDB interface {
	// KnownConsensusHash reports whether the consensus hash is on the canonical burnchain.
	KnownConsensusHash(hash string) (bool, error)
}

// Providers bundles the databases passed through the engine to conversations.
type Providers struct {
	Burn    BurnDB
	Peers   PeerDB
	Chain   ChainState
	Mempool MemPool
}

// neighborKey is the host:port identity of a neighbor, as accepted by PeerDB.Remove.
func neighborKey(n proto.Neighbor) string {
	return net.JoinHostPort(n.Addr, strconv.FormatUint(uint64(n.Port), 10))
}
