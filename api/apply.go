package api

import "github.com/brelvik/consensus/wire"

// ApplyMessage is delivered on the apply channel for every committed log
// entry, in log order, and for every installed snapshot.
//
// Exactly one of CommandValid and SnapshotValid is set. Consumers that only
// care about application commands should skip messages whose CommandType is
// not wire.EntryData; configuration and noop entries are delivered so the
// consumer's notion of "applied index" stays contiguous.
type ApplyMessage struct {
	CommandValid bool
	Command      []byte
	CommandIndex uint64
	CommandTerm  uint64
	CommandType  wire.EntryType

	SnapshotValid bool
	Snapshot      []byte
	SnapshotIndex uint64
	SnapshotTerm  uint64
}
