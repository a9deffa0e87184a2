package storage

import (
	"fmt"
	"sync"

	"github.com/brelvik/consensus/api"
	"github.com/brelvik/consensus/wire"
)

var _ api.LogStore = (*MemStore)(nil)

// MemStore keeps everything in memory. It exists for tests: a node can be
// stopped and rebuilt on top of the same MemStore to simulate a restart that
// keeps durable state, and FailWrites injects storage faults.
type MemStore struct {
	mu sync.Mutex

	meta     api.Metadata
	first    uint64
	entries  []*wire.Entry
	snapMeta api.SnapshotMeta
	snapshot []byte
	pending  []byte

	writeErr error
}

func NewMemStore() *MemStore {
	return &MemStore{}
}

// FailWrites makes every subsequent mutating call return err.
// Passing nil restores normal operation.
func (s *MemStore) FailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

func (s *MemStore) LoadMetadata() (api.Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta, nil
}

func (s *MemStore) StoreMetadata(md api.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.meta = md
	return nil
}

func (s *MemStore) LoadEntries() (uint64, []*wire.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return 0, nil, nil
	}
	out := make([]*wire.Entry, len(s.entries))
	copy(out, s.entries)
	return s.first, out, nil
}

func (s *MemStore) AppendEntries(first uint64, entries []*wire.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if len(entries) == 0 {
		return nil
	}
	if len(s.entries) == 0 {
		s.first = first
		s.entries = append([]*wire.Entry(nil), entries...)
		return nil
	}
	next := s.first + uint64(len(s.entries))
	if first > next {
		return fmt.Errorf("append at %d leaves a gap after %d", first, next-1)
	}
	if first < s.first {
		s.first = first
		s.entries = append([]*wire.Entry(nil), entries...)
		return nil
	}
	s.entries = append(s.entries[:first-s.first], entries...)
	return nil
}

func (s *MemStore) TruncateSuffix(from uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if len(s.entries) == 0 || from > s.first+uint64(len(s.entries))-1 {
		return nil
	}
	if from <= s.first {
		s.first = 0
		s.entries = nil
		return nil
	}
	s.entries = s.entries[:from-s.first]
	return nil
}

func (s *MemStore) DiscardPrefix(through uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.discardPrefixLocked(through)
	return nil
}

func (s *MemStore) discardPrefixLocked(through uint64) {
	if len(s.entries) == 0 || through < s.first {
		return
	}
	last := s.first + uint64(len(s.entries)) - 1
	if through >= last {
		s.first = 0
		s.entries = nil
		return
	}
	s.entries = append([]*wire.Entry(nil), s.entries[through-s.first+1:]...)
	s.first = through + 1
}

func (s *MemStore) SnapshotMeta() (api.SnapshotMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapMeta, nil
}

func (s *MemStore) ReadSnapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return nil, nil
	}
	out := make([]byte, len(s.snapshot))
	copy(out, s.snapshot)
	return out, nil
}

func (s *MemStore) SaveSnapshot(meta api.SnapshotMeta, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.snapMeta = meta
	s.snapshot = append([]byte(nil), data...)
	s.pending = nil
	s.discardPrefixLocked(meta.LastIndex)
	return nil
}

func (s *MemStore) WriteSnapshotChunk(offset uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	if offset == 0 {
		s.pending = append([]byte(nil), data...)
		return nil
	}
	if offset > uint64(len(s.pending)) {
		return fmt.Errorf("chunk at %d leaves a gap after %d", offset, len(s.pending))
	}
	s.pending = append(s.pending[:offset], data...)
	return nil
}

func (s *MemStore) PendingSnapshotSize() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.pending)), nil
}

func (s *MemStore) ReadPendingSnapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.pending))
	copy(out, s.pending)
	return out, nil
}

func (s *MemStore) InstallSnapshot(meta api.SnapshotMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writeErr != nil {
		return s.writeErr
	}
	s.snapMeta = meta
	s.snapshot = s.pending
	s.pending = nil
	s.discardPrefixLocked(meta.LastIndex)
	return nil
}

func (s *MemStore) Close() error {
	return nil
}
