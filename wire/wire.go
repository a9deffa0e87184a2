/*
Package wire defines the RPC protocol spoken between peers: the opcode space,
the request/response message types, and their binary encoding.

Messages are encoded in protobuf wire format (see codec.go) so the protocol
stays language-neutral and forward-compatible: decoders skip unknown fields.
Every request carries the sender id, the intended recipient id, and the
sender's term; every response carries the responder's term.
*/
package wire

import "encoding"

// Opcode identifies an RPC operation. The values are part of the protocol
// and must never be renumbered.
type Opcode uint8

const (
	OpGetSupportedRPCVersions Opcode = 0
	OpRequestVote             Opcode = 1
	OpAppendEntries           Opcode = 2
	OpAppendSnapshotChunk     Opcode = 3
)

func (op Opcode) String() string {
	switch op {
	case OpGetSupportedRPCVersions:
		return "GetSupportedRPCVersions"
	case OpRequestVote:
		return "RequestVote"
	case OpAppendEntries:
		return "AppendEntries"
	case OpAppendSnapshotChunk:
		return "AppendSnapshotChunk"
	default:
		return "unknown"
	}
}

// The RPC protocol versions this implementation can speak. A connection is
// usable when the two peers' [min, max] ranges overlap.
const (
	MinRPCVersion uint64 = 1
	MaxRPCVersion uint64 = 1
)

// EntryType discriminates the payload of a log entry.
type EntryType uint8

const (
	EntryConfiguration EntryType = 1
	EntryData          EntryType = 2
	EntryNoop          EntryType = 3
)

func (t EntryType) String() string {
	switch t {
	case EntryConfiguration:
		return "configuration"
	case EntryData:
		return "data"
	case EntryNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// Message is the common contract of all protocol messages.
type Message interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// Server identifies one cluster member and where to reach it.
type Server struct {
	ID      uint64
	Address string
}

// SimpleConfiguration is a flat list of servers forming one voting set.
type SimpleConfiguration struct {
	Servers []Server
}

// Configuration describes cluster membership. A stable configuration has
// only Prev. A transitional (joint) configuration carries both halves and
// requires agreement from a majority of each.
type Configuration struct {
	Prev SimpleConfiguration
	Next *SimpleConfiguration
}

// Joint reports whether the configuration is transitional.
func (c *Configuration) Joint() bool { return c.Next != nil }

// Entry is a single log record. Exactly one payload field is meaningful,
// selected by Type: Configuration entries carry a membership change, Data
// entries carry an opaque command, Noop entries carry nothing.
type Entry struct {
	Term          uint64
	Type          EntryType
	Configuration *Configuration
	Data          []byte
}

// Log entries carry no index on the wire or in storage records; an entry's
// index is implied by its position.

type RequestVoteRequest struct {
	ServerID     uint64
	RecipientID  uint64
	Term         uint64
	LastLogTerm  uint64
	LastLogIndex uint64
}

type RequestVoteResponse struct {
	Term    uint64
	Granted bool
}

type AppendEntriesRequest struct {
	ServerID     uint64
	RecipientID  uint64
	Term         uint64
	PrevLogTerm  uint64
	PrevLogIndex uint64
	Entries      []*Entry
	CommitIndex  uint64
}

type AppendEntriesResponse struct {
	Term    uint64
	Success bool
}

type AppendSnapshotChunkRequest struct {
	ServerID          uint64
	RecipientID       uint64
	Term              uint64
	LastSnapshotIndex uint64
	ByteOffset        uint64
	Data              []byte
	Done              bool
}

type AppendSnapshotChunkResponse struct {
	Term uint64
}

type GetSupportedRPCVersionsRequest struct {
	ServerID    uint64
	RecipientID uint64
	Term        uint64
}

type GetSupportedRPCVersionsResponse struct {
	Term       uint64
	MinVersion uint64
	MaxVersion uint64
}

// SnapshotHeader prefixes every snapshot stream. It names the log position
// the snapshot replaces and the membership in effect at that position, so a
// receiver whose entire log is superseded still learns the configuration.
type SnapshotHeader struct {
	LastIndex          uint64
	LastTerm           uint64
	ConfigurationIndex uint64
	Configuration      *Configuration
}

// NewRequest returns a zero request message for the opcode, or nil if the
// opcode is unknown.
func NewRequest(op Opcode) Message {
	switch op {
	case OpGetSupportedRPCVersions:
		return &GetSupportedRPCVersionsRequest{}
	case OpRequestVote:
		return &RequestVoteRequest{}
	case OpAppendEntries:
		return &AppendEntriesRequest{}
	case OpAppendSnapshotChunk:
		return &AppendSnapshotChunkRequest{}
	default:
		return nil
	}
}

// NewResponse returns a zero response message for the opcode, or nil if the
// opcode is unknown.
func NewResponse(op Opcode) Message {
	switch op {
	case OpGetSupportedRPCVersions:
		return &GetSupportedRPCVersionsResponse{}
	case OpRequestVote:
		return &RequestVoteResponse{}
	case OpAppendEntries:
		return &AppendEntriesResponse{}
	case OpAppendSnapshotChunk:
		return &AppendSnapshotChunkResponse{}
	default:
		return nil
	}
}
