// Package storage provides LogStore implementations: a durable bbolt-backed
// store and an in-memory store for tests.
package storage

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	bolt "go.etcd.io/bbolt"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/brelvik/consensus/api"
	"github.com/brelvik/consensus/wire"
)

var (
	logBucket      = []byte("log")
	metaBucket     = []byte("meta")
	snapshotBucket = []byte("snapshot")
	pendingBucket  = []byte("pending")
)

var (
	metadataKey     = []byte("metadata")
	snapshotMetaKey = []byte("meta")
	snapshotDataKey = []byte("data")
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

var _ api.LogStore = (*BoltStore)(nil)

// BoltStore persists metadata, log entries, and snapshots in a single bbolt
// database. Every transaction commit is fsynced, which gives the
// write-before-reply guarantee the consensus core relies on.
//
// Log entries are keyed by big-endian index so they iterate in log order.
// Each stored record is prefixed with a crc32c of its payload; a mismatch on
// load reports corruption instead of feeding a damaged entry back into
// consensus.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{logBucket, metaBucket, snapshotBucket, pendingBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db}, nil
}

func indexKey(idx uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, idx)
	return b
}

func sealRecord(payload []byte) []byte {
	rec := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(rec[:4], crc32.Checksum(payload, crc32cTable))
	copy(rec[4:], payload)
	return rec
}

func openRecord(rec []byte) ([]byte, error) {
	if len(rec) < 4 {
		return nil, fmt.Errorf("record too short: %d bytes", len(rec))
	}
	want := binary.BigEndian.Uint32(rec[:4])
	payload := rec[4:]
	if got := crc32.Checksum(payload, crc32cTable); got != want {
		return nil, fmt.Errorf("crc mismatch: expected %d, got %d", want, got)
	}
	return payload, nil
}

const (
	mdFieldTerm      = 1
	mdFieldVotedFor  = 2
	mdFieldClusterID = 3

	smFieldLastIndex = 1
	smFieldLastTerm  = 2
)

func encodeMetadata(md api.Metadata) []byte {
	var b []byte
	b = protowire.AppendTag(b, mdFieldTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, md.CurrentTerm)
	b = protowire.AppendTag(b, mdFieldVotedFor, protowire.VarintType)
	b = protowire.AppendVarint(b, md.VotedFor)
	b = protowire.AppendTag(b, mdFieldClusterID, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte(md.ClusterID))
	return b
}

func decodeMetadata(data []byte) (api.Metadata, error) {
	var md api.Metadata
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return md, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case mdFieldTerm, mdFieldVotedFor:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return md, protowire.ParseError(n)
			}
			if num == mdFieldTerm {
				md.CurrentTerm = v
			} else {
				md.VotedFor = v
			}
			data = data[n:]
		case mdFieldClusterID:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return md, protowire.ParseError(n)
			}
			md.ClusterID = string(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return md, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return md, nil
}

func encodeSnapshotMeta(sm api.SnapshotMeta) []byte {
	var b []byte
	b = protowire.AppendTag(b, smFieldLastIndex, protowire.VarintType)
	b = protowire.AppendVarint(b, sm.LastIndex)
	b = protowire.AppendTag(b, smFieldLastTerm, protowire.VarintType)
	b = protowire.AppendVarint(b, sm.LastTerm)
	return b
}

func decodeSnapshotMeta(data []byte) (api.SnapshotMeta, error) {
	var sm api.SnapshotMeta
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return sm, protowire.ParseError(n)
		}
		data = data[n:]
		switch num {
		case smFieldLastIndex, smFieldLastTerm:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return sm, protowire.ParseError(n)
			}
			if num == smFieldLastIndex {
				sm.LastIndex = v
			} else {
				sm.LastTerm = v
			}
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return sm, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}
	return sm, nil
}

func (s *BoltStore) LoadMetadata() (api.Metadata, error) {
	var md api.Metadata
	err := s.db.View(func(tx *bolt.Tx) error {
		rec := tx.Bucket(metaBucket).Get(metadataKey)
		if rec == nil {
			return nil
		}
		payload, err := openRecord(rec)
		if err != nil {
			return fmt.Errorf("metadata record: %w", err)
		}
		md, err = decodeMetadata(payload)
		return err
	})
	return md, err
}

func (s *BoltStore) StoreMetadata(md api.Metadata) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(metadataKey, sealRecord(encodeMetadata(md)))
	})
}

func (s *BoltStore) LoadEntries() (uint64, []*wire.Entry, error) {
	var first uint64
	var entries []*wire.Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			idx := binary.BigEndian.Uint64(k)
			if first == 0 {
				first = idx
			}
			payload, err := openRecord(v)
			if err != nil {
				return fmt.Errorf("log entry %d: %w", idx, err)
			}
			e := &wire.Entry{}
			if err := e.UnmarshalBinary(payload); err != nil {
				return fmt.Errorf("log entry %d: %w", idx, err)
			}
			entries = append(entries, e)
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return first, entries, nil
}

func (s *BoltStore) AppendEntries(first uint64, entries []*wire.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(logBucket)
		for i, e := range entries {
			payload, err := e.MarshalBinary()
			if err != nil {
				return fmt.Errorf("encode entry %d: %w", first+uint64(i), err)
			}
			if err := b.Put(indexKey(first+uint64(i)), sealRecord(payload)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) TruncateSuffix(from uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		for k, _ := c.Seek(indexKey(from)); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) DiscardPrefix(through uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return discardPrefix(tx, through)
	})
}

func discardPrefix(tx *bolt.Tx, through uint64) error {
	c := tx.Bucket(logBucket).Cursor()
	for k, _ := c.First(); k != nil && binary.BigEndian.Uint64(k) <= through; k, _ = c.First() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) SnapshotMeta() (api.SnapshotMeta, error) {
	var sm api.SnapshotMeta
	err := s.db.View(func(tx *bolt.Tx) error {
		rec := tx.Bucket(snapshotBucket).Get(snapshotMetaKey)
		if rec == nil {
			return nil
		}
		payload, err := openRecord(rec)
		if err != nil {
			return fmt.Errorf("snapshot meta record: %w", err)
		}
		sm, err = decodeSnapshotMeta(payload)
		return err
	})
	return sm, err
}

func (s *BoltStore) ReadSnapshot() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		rec := tx.Bucket(snapshotBucket).Get(snapshotDataKey)
		if rec == nil {
			return nil
		}
		payload, err := openRecord(rec)
		if err != nil {
			return fmt.Errorf("snapshot record: %w", err)
		}
		data = make([]byte, len(payload))
		copy(data, payload)
		return nil
	})
	return data, err
}

func (s *BoltStore) SaveSnapshot(meta api.SnapshotMeta, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sb := tx.Bucket(snapshotBucket)
		if err := sb.Put(snapshotMetaKey, sealRecord(encodeSnapshotMeta(meta))); err != nil {
			return err
		}
		if err := sb.Put(snapshotDataKey, sealRecord(data)); err != nil {
			return err
		}
		if err := clearBucket(tx, pendingBucket); err != nil {
			return err
		}
		return discardPrefix(tx, meta.LastIndex)
	})
}

func (s *BoltStore) WriteSnapshotChunk(offset uint64, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if offset == 0 {
			if err := clearBucket(tx, pendingBucket); err != nil {
				return err
			}
		}
		return tx.Bucket(pendingBucket).Put(indexKey(offset), sealRecord(data))
	})
}

func (s *BoltStore) PendingSnapshotSize() (uint64, error) {
	var size uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		k, v := tx.Bucket(pendingBucket).Cursor().Last()
		if k == nil {
			return nil
		}
		payload, err := openRecord(v)
		if err != nil {
			return fmt.Errorf("pending chunk: %w", err)
		}
		size = binary.BigEndian.Uint64(k) + uint64(len(payload))
		return nil
	})
	return size, err
}

func (s *BoltStore) ReadPendingSnapshot() ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		var verr error
		data, verr = assemblePending(tx)
		return verr
	})
	return data, err
}

// assemblePending concatenates the pending chunks in offset order.
func assemblePending(tx *bolt.Tx) ([]byte, error) {
	var data []byte
	c := tx.Bucket(pendingBucket).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		payload, err := openRecord(v)
		if err != nil {
			return nil, fmt.Errorf("pending chunk at %d: %w", binary.BigEndian.Uint64(k), err)
		}
		data = append(data, payload...)
	}
	return data, nil
}

func (s *BoltStore) InstallSnapshot(meta api.SnapshotMeta) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := assemblePending(tx)
		if err != nil {
			return err
		}

		sb := tx.Bucket(snapshotBucket)
		if err := sb.Put(snapshotMetaKey, sealRecord(encodeSnapshotMeta(meta))); err != nil {
			return err
		}
		if err := sb.Put(snapshotDataKey, sealRecord(data)); err != nil {
			return err
		}
		if err := clearBucket(tx, pendingBucket); err != nil {
			return err
		}
		return discardPrefix(tx, meta.LastIndex)
	})
}

func clearBucket(tx *bolt.Tx, name []byte) error {
	c := tx.Bucket(name).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.First() {
		if err := c.Delete(); err != nil {
			return err
		}
	}
	return nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
