package proto

// PeerInfo is the body of GET /v2/info.
type PeerInfo struct {
	NodeID            string `json:"node_id,omitempty"`
	NetworkID         uint32 `json:"network_id"`
	BurnBlockHeight   uint64 `json:"burn_block_height"`
	ConsensusHash     string `json:"pox_consensus"`
	StableBlockHeight uint64 `json:"stable_burn_block_height"`
	StableConsensus   string `json:"stable_pox_consensus"`
	TipHeight         uint64 `json:"stacks_tip_height"`
	TipHash           string `json:"stacks_tip"`
	TipConsensusHash  string `json:"stacks_tip_consensus_hash"`
}

// Neighbor is one entry of GET /v2/neighbors.
type Neighbor struct {
	NetworkID uint32 `json:"network_id"`
	Addr      string `json:"ip"`
	Port      uint16 `json:"port"`
	PublicKey string `json:"public_key_hash,omitempty"`
	DataURL   string `json:"data_url,omitempty"`
}

// Neighbors is the body of GET /v2/neighbors.
type Neighbors struct {
	Sample   []Neighbor `json:"sample"`
	Inbound  []Neighbor `json:"inbound"`
	Outbound []Neighbor `json:"outbound"`
}

// TxAccepted acknowledges a posted transaction.
type TxAccepted struct {
	TxID string `json:"txid"`
}

// Accepted acknowledges an upload that will be relayed.
type Accepted struct {
	Accepted bool   `json:"accepted"`
	Hash     string `json:"hash,omitempty"`
}

// Availability is the body of the block/microblock availability announcements.
type Availability struct {
	ConsensusHashes []string `json:"consensus_hashes"`
}

// ErrorBody is returned with every non-2xx response.
type ErrorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}
