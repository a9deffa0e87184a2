/*
Package api defines the public contracts of the consensus library: the node
surface, the pluggable storage and transport layers, and the messages
delivered to the applying layer.

# Pluggable components

  - Transport: how peers reach each other. A gRPC implementation ships in
    github.com/brelvik/consensus/transport; tests use an in-memory one.

  - LogStore: durable storage for metadata, log entries, and snapshots. A
    bbolt-backed implementation ships in
    github.com/brelvik/consensus/storage.

The applying layer is not an interface: committed entries and installed
snapshots arrive in order on the apply channel passed to the node builder,
and the application drives log compaction itself through Raft.Snapshot.
*/
package api

import (
	"errors"

	"github.com/brelvik/consensus/wire"
)

var (
	// ErrNotLeader is returned by operations that must run on the leader.
	ErrNotLeader = errors.New("raft: not the leader")

	// ErrShutdown is returned after the node has been stopped.
	ErrShutdown = errors.New("raft: node is shut down")

	// ErrConfigurationInFlight rejects a membership change while the
	// previous one has not yet committed its stable configuration.
	ErrConfigurationInFlight = errors.New("raft: configuration change already in progress")

	// ErrStaleSnapshot rejects a snapshot at or below the current one.
	ErrStaleSnapshot = errors.New("raft: snapshot is not newer than the current snapshot")

	// ErrUnknownOpcode is returned for RPC opcodes outside the protocol.
	ErrUnknownOpcode = errors.New("raft: unknown rpc opcode")

	// ErrStoreNotEmpty rejects bootstrapping into a store that already
	// holds state.
	ErrStoreNotEmpty = errors.New("raft: store already contains state")

	// ErrClusterMismatch means the store belongs to a different cluster
	// than the node was configured for.
	ErrClusterMismatch = errors.New("raft: store belongs to a different cluster")
)

// Raft is the surface of a single consensus peer.
type Raft interface {
	// Start restores persisted state and launches the background
	// processes. It must be called once, before any other method.
	Start() error

	// Stop terminates the node, waiting for background goroutines up to
	// the configured shutdown timeout.
	Stop() error

	// Submit proposes a command for replication.
	//
	// Returns:
	//   - index: the log index assigned to the command (if accepted)
	//   - term:  the current term at the time of submission
	//   - isLeader: whether this peer accepted the command as leader
	//
	// A false isLeader means the command was not accepted and should be
	// redirected to the leader. Acceptance is not commitment: watch the
	// apply channel for the (index, term) pair to learn the outcome.
	Submit(command []byte) (index uint64, term uint64, isLeader bool)

	// ChangeConfiguration starts a membership change to the given server
	// set. Only the leader accepts it, one change at a time; the change
	// passes through a transitional configuration and completes
	// asynchronously.
	ChangeConfiguration(servers []wire.Server) error

	// State returns the current term and whether this peer believes it
	// is the leader.
	State() (term uint64, isLeader bool)

	// LeaderID returns the id of the last known leader, or 0.
	LeaderID() uint64

	// Snapshot tells the node that the application has serialized its
	// state up through index, allowing the log prefix to be discarded.
	Snapshot(index uint64, snapshot []byte) error

	// Killed reports whether the node has been stopped.
	Killed() bool
}
