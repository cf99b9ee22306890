package engine

import (
	"io"
	"net/netip"
	"time"

	"github.com/matst80/peerhttp/internal/chainstate"
	"github.com/matst80/peerhttp/internal/httpx"
	"github.com/matst80/peerhttp/internal/proto"
)

// ConnID correlates a socket, its conversation and any pending connect.
type ConnID uint64

// Socket is a non-blocking stream. Read and Write return (0, nil) when no
// progress is possible right now; Read returns io.EOF once the remote closed.
type Socket interface {
	io.Reader
	io.Writer
	PeerAddr() (netip.AddrPort, error)
}

// Reactor owns the readiness source.
type Reactor interface {
	Register(serverHandle int, id ConnID, sock Socket) error
	// Deregister stops watching sock and releases it.
	Deregister(id ConnID, sock Socket) error
	// Connect starts a non-blocking connect to addr.
	Connect(addr netip.AddrPort) (Socket, error)
	NextID() ConnID
}

// PollState is one poll cycle's report from the reactor.
type PollState struct {
	// New holds sockets accepted since the last poll, already assigned an ID.
	New map[ConnID]Socket
	// Ready holds IDs whose sockets became readable or writable.
	Ready map[ConnID]struct{}
	// Err is set when the reactor failed to produce the batch.
	Err error
}

// Conversation is the per-connection HTTP state machine. A conversation that
// also implements io.Closer is closed when it is deregistered.
type Conversation interface {
	// Send writes buffered output to w and returns how many bytes were written.
	Send(w io.Writer, chain chainstate.ChainState) (int, error)
	// Recv reads what is available from r and parses it.
	Recv(r io.Reader) error
	// Chat answers parsed requests and returns messages to relay to the peer network.
	Chat(view chainstate.ChainView, providers *chainstate.Providers) ([]proto.Message, error)
	// TryFlush moves pending reply data into the output buffer without blocking.
	TryFlush(chain chainstate.ChainState) error

	IsDrained() bool
	IsKeepAlive() bool
	IsRequestInflight() bool

	// TargetURL is the data URL of an outbound conversation, empty for inbound ones.
	TargetURL() string
	PeerAddr() netip.AddrPort

	// LastRequestTime and LastResponseTime are zero until first use.
	LastRequestTime() time.Time
	LastResponseTime() time.Time
	ConnectionTime() time.Time
	ClearTimeouts()

	SendRequest(req *httpx.Request) error
	ReplyError(w io.Writer, resp *httpx.Response) error
}

// ConversationParams describes a conversation about to be committed.
type ConversationParams struct {
	ID        ConnID
	NetworkID uint32
	PeerAddr  netip.AddrPort
	TargetURL string
	PeerHost  httpx.PeerHost
	Options   ConnectionOptions
	Now       time.Time
}

// NewConversationFunc builds the Conversation for a newly admitted socket.
type NewConversationFunc func(p ConversationParams) Conversation
