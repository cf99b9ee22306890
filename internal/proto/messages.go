package proto

// Message is a decoded protocol message surfaced by an HTTP conversation for the
// peer network to relay. The set of kinds is closed.
type Message interface {
	Kind() string
	isMessage()
}

// Transaction is a raw transaction posted by an HTTP client.
type Transaction struct {
	TxID string `json:"txid"`
	Raw  []byte `json:"raw"`
}

// Block is an anchored block uploaded for a given consensus hash.
type Block struct {
	ConsensusHash string `json:"consensus_hash"`
	BlockHash     string `json:"block_hash"`
	Raw           []byte `json:"raw"`
}

// Microblocks is a confirmed microblock stream for one anchored block.
type Microblocks struct {
	IndexAnchorHash string   `json:"index_anchor_hash"`
	Raw             [][]byte `json:"raw"`
}

// BlocksAvailable announces consensus hashes for which the sender holds blocks.
type BlocksAvailable struct {
	ConsensusHashes []string `json:"consensus_hashes"`
}

// MicroblocksAvailable announces consensus hashes for which the sender holds
// confirmed microblock streams.
type MicroblocksAvailable struct {
	ConsensusHashes []string `json:"consensus_hashes"`
}

func (Transaction) Kind() string          { return "transaction" }
func (Block) Kind() string                { return "block" }
func (Microblocks) Kind() string          { return "microblocks" }
func (BlocksAvailable) Kind() string      { return "blocks_available" }
func (MicroblocksAvailable) Kind() string { return "microblocks_available" }

func (Transaction) isMessage()          {}
func (Block) isMessage()                {}
func (Microblocks) isMessage()          {}
func (BlocksAvailable) isMessage()      {}
func (MicroblocksAvailable) isMessage() {}
