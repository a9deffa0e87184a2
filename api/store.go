package api

import "github.com/brelvik/consensus/wire"

// Metadata is the non-log persistent state of a peer. It must be durable
// before any RPC response that depends on it is sent.
type Metadata struct {
	CurrentTerm uint64
	VotedFor    uint64 // 0 = no vote cast in CurrentTerm
	ClusterID   string
}

// SnapshotMeta names the log position a snapshot replaces.
type SnapshotMeta struct {
	LastIndex uint64
	LastTerm  uint64
}

// LogStore is the durable storage contract. Implementations must be safe
// for concurrent use and must not return from a write method before the
// write would survive a crash.
//
// Log indexes are absolute and 1-based. Entries below the snapshot boundary
// may be discarded; entry ranges are always contiguous.
type LogStore interface {
	// LoadMetadata returns the persisted metadata, or a zero value for a
	// fresh store.
	LoadMetadata() (Metadata, error)

	// StoreMetadata durably replaces the metadata.
	StoreMetadata(md Metadata) error

	// LoadEntries returns every stored entry and the absolute index of
	// the first one. A store with no entries returns (0, nil, nil).
	LoadEntries() (first uint64, entries []*wire.Entry, err error)

	// AppendEntries durably appends entries, the first at absolute index
	// first.
	AppendEntries(first uint64, entries []*wire.Entry) error

	// TruncateSuffix removes every entry with index >= from.
	TruncateSuffix(from uint64) error

	// DiscardPrefix removes every entry with index <= through.
	DiscardPrefix(through uint64) error

	// SnapshotMeta returns the meta of the live snapshot, or a zero value
	// if none exists.
	SnapshotMeta() (SnapshotMeta, error)

	// ReadSnapshot returns the live snapshot stream, or nil if none
	// exists.
	ReadSnapshot() ([]byte, error)

	// SaveSnapshot atomically replaces the live snapshot and discards the
	// log prefix it covers. Used for local compaction.
	SaveSnapshot(meta SnapshotMeta, data []byte) error

	// WriteSnapshotChunk appends bytes to the pending snapshot being
	// received from a leader. Offset 0 discards any previous pending
	// bytes and starts over.
	WriteSnapshotChunk(offset uint64, data []byte) error

	// PendingSnapshotSize returns how many pending snapshot bytes have
	// been written, which is also the next expected chunk offset.
	PendingSnapshotSize() (uint64, error)

	// ReadPendingSnapshot returns the pending bytes written so far.
	ReadPendingSnapshot() ([]byte, error)

	// InstallSnapshot atomically promotes the pending bytes to the live
	// snapshot and discards the log prefix the snapshot covers.
	InstallSnapshot(meta SnapshotMeta) error

	// Close releases underlying resources.
	Close() error
}
