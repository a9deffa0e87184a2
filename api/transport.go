package api

import (
	"context"

	"github.com/brelvik/consensus/wire"
)

// Transport carries RPCs to other peers. Implementations address peers by
// server id; the address book is kept current through UpdatePeers as the
// cluster configuration changes.
type Transport interface {
	// SendRequestVote sends a RequestVote RPC to a specific peer.
	SendRequestVote(
		ctx context.Context, to uint64, req *wire.RequestVoteRequest) (*wire.RequestVoteResponse, error)

	// SendAppendEntries sends an AppendEntries RPC to a specific peer.
	SendAppendEntries(
		ctx context.Context, to uint64, req *wire.AppendEntriesRequest) (*wire.AppendEntriesResponse, error)

	// SendAppendSnapshotChunk sends one snapshot chunk to a specific peer.
	SendAppendSnapshotChunk(
		ctx context.Context, to uint64, req *wire.AppendSnapshotChunkRequest) (*wire.AppendSnapshotChunkResponse, error)

	// UpdatePeers replaces the set of reachable peers.
	UpdatePeers(servers []wire.Server)

	// Close tears down every peer connection.
	Close() error
}

// RPCHandler is the receiving side of the protocol: one entry point for all
// opcodes, served by the consensus core and called by transport servers.
type RPCHandler interface {
	HandleRPC(ctx context.Context, op wire.Opcode, req wire.Message) (wire.Message, error)
}
