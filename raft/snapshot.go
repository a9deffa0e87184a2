package raft

import (
	"context"
	"fmt"
	"time"

	"github.com/brelvik/consensus/api"
	"github.com/brelvik/consensus/pkg/logger"
	"github.com/brelvik/consensus/wire"
)

// snapshotCursor tracks one outbound snapshot transfer. The bytes are pinned
// when the transfer starts so every chunk comes from the same snapshot even
// if a newer one is taken meanwhile.
type snapshotCursor struct {
	meta   api.SnapshotMeta
	data   []byte
	offset uint64
}

// Snapshot records that the application has serialized its state through
// index and compacts the log up to it. The snapshot stream stored durably is
// the application payload prefixed with a header naming the log position and
// the configuration in effect there.
func (rf *Raft) Snapshot(index uint64, snapshot []byte) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if index <= rf.log.snapIndex {
		return api.ErrStaleSnapshot
	}
	if index > rf.lastApplied {
		return fmt.Errorf("snapshot at index %d is ahead of last applied index %d", index, rf.lastApplied)
	}

	term, ok := rf.log.term(index)
	if !ok {
		return fmt.Errorf("no entry at snapshot index %d", index)
	}
	cfg, cfgIdx := rf.configurationAt(index)

	header := &wire.SnapshotHeader{
		LastIndex:          index,
		LastTerm:           term,
		ConfigurationIndex: cfgIdx,
		Configuration:      cfg,
	}
	data, err := wire.EncodeSnapshot(header, snapshot)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	meta := api.SnapshotMeta{LastIndex: index, LastTerm: term}
	if err := rf.store.SaveSnapshot(meta, data); err != nil {
		rf.fatal("Snapshot", err)
	}

	rf.invariants.checkSnapshot(index, term)
	rf.log.compactTo(index, term)
	rf.snapConfig = cfg
	rf.snapConfigIndex = cfgIdx
	rf.logger.Info("log compacted", "last_index", index, "last_term", term)
	return nil
}

// sendSnapshotChunk sends the follower's next chunk, starting a transfer if
// none is in flight.
//
// Called with the lock held; unlocks before the RPC goes out.
func (rf *Raft) sendSnapshotChunk(peerID uint64, p *progress) {
	if p.snap == nil {
		meta, err := rf.store.SnapshotMeta()
		if err != nil {
			rf.mu.Unlock()
			rf.logger.Warn("failed to read snapshot metadata", logger.ErrAttr(err))
			return
		}
		data, err := rf.store.ReadSnapshot()
		if err != nil || len(data) == 0 {
			rf.mu.Unlock()
			rf.logger.Warn("no snapshot to send", "peer_id", peerID, logger.ErrAttr(err))
			return
		}
		p.snap = &snapshotCursor{meta: meta, data: data}
		rf.logger.Info("starting snapshot transfer",
			"peer_id", peerID,
			"last_index", meta.LastIndex,
			"size", len(data),
		)
	}

	cur := p.snap
	end := min(cur.offset+uint64(rf.cfg.Snapshots.ChunkBytes), uint64(len(cur.data)))
	req := &wire.AppendSnapshotChunkRequest{
		ServerID:          rf.id,
		RecipientID:       peerID,
		Term:              rf.curTerm,
		LastSnapshotIndex: cur.meta.LastIndex,
		ByteOffset:        cur.offset,
		Data:              cur.data[cur.offset:end],
		Done:              end == uint64(len(cur.data)),
	}
	rf.mu.Unlock()

	tctx, tcancel := context.WithTimeout(rf.raftCtx, rf.cfg.Timings.RPCTimeout)
	reply, err := rf.transport.SendAppendSnapshotChunk(tctx, peerID, req)
	tcancel()
	if err != nil {
		// The cursor keeps its offset; the next heartbeat resends this chunk.
		rf.logger.Debug("failed to send snapshot chunk", "peer_id", peerID, logger.ErrAttr(err))
		return
	}

	rf.handleSnapshotChunkReply(peerID, req, reply)
}

// handleSnapshotChunkReply advances the transfer cursor past an acknowledged
// chunk and, after the final one, treats the snapshot as replicated.
func (rf *Raft) handleSnapshotChunkReply(peerID uint64, req *wire.AppendSnapshotChunkRequest, reply *wire.AppendSnapshotChunkResponse) {
	rf.mu.Lock()

	if reply.Term > rf.curTerm {
		rf.becomeFollower(reply.Term)
		rf.persistMetadata("handleSnapshotChunkReply")
		rf.mu.Unlock()
		return
	}
	if !rf.isRole(leader) || rf.curTerm != req.Term {
		rf.mu.Unlock()
		return
	}
	p, ok := rf.progress[peerID]
	if !ok || p.snap == nil {
		rf.mu.Unlock()
		return
	}
	p.lastHeard = time.Now()

	cur := p.snap
	if req.LastSnapshotIndex != cur.meta.LastIndex || req.ByteOffset != cur.offset {
		// A reply from an earlier transfer; the live cursor is elsewhere.
		rf.mu.Unlock()
		return
	}
	cur.offset += uint64(len(req.Data))

	if !req.Done {
		rf.mu.Unlock()
		go rf.replicateTo(peerID)
		return
	}

	if cur.meta.LastIndex > p.matchIndex {
		p.matchIndex = cur.meta.LastIndex
	}
	p.nextIndex = p.matchIndex + 1
	p.snap = nil
	rf.logger.Info("snapshot transfer complete", "peer_id", peerID, "last_index", cur.meta.LastIndex)
	rf.advanceCommitIndex()
	rf.mu.Unlock()

	go rf.replicateTo(peerID)
}

// finishSnapshotInstall promotes the fully buffered snapshot on a follower.
// The stream's own header is authoritative for the term and configuration;
// an incomplete or malformed buffer is left alone, and the transfer restarts
// from offset zero once the leader notices the follower is still behind.
//
// Assumes the lock is held when called
func (rf *Raft) finishSnapshotInstall(req *wire.AppendSnapshotChunkRequest) {
	if req.LastSnapshotIndex <= rf.log.snapIndex {
		return
	}

	data, err := rf.store.ReadPendingSnapshot()
	if err != nil {
		rf.fatal("AppendSnapshotChunk", err)
	}
	if uint64(len(data)) != req.ByteOffset+uint64(len(req.Data)) {
		rf.logger.Warn("pending snapshot is incomplete, waiting for a fresh transfer", "have", len(data))
		return
	}
	header, _, err := wire.DecodeSnapshot(data)
	if err != nil {
		rf.logger.Warn("pending snapshot stream is malformed, waiting for a fresh transfer", logger.ErrAttr(err))
		return
	}
	if header.LastIndex != req.LastSnapshotIndex {
		rf.logger.Warn("snapshot header disagrees with the transfer",
			"header_index", header.LastIndex,
			"transfer_index", req.LastSnapshotIndex,
		)
		return
	}

	meta := api.SnapshotMeta{LastIndex: header.LastIndex, LastTerm: header.LastTerm}
	rf.invariants.checkSnapshot(meta.LastIndex, meta.LastTerm)
	if err := rf.store.InstallSnapshot(meta); err != nil {
		rf.fatal("AppendSnapshotChunk", err)
	}

	// Keep the log suffix when it agrees with the snapshot point, otherwise
	// the whole log is superseded.
	if t, ok := rf.log.term(meta.LastIndex); ok && t == meta.LastTerm {
		rf.log.compactTo(meta.LastIndex, meta.LastTerm)
	} else {
		rf.log.reset(meta.LastIndex, meta.LastTerm)
		if err := rf.store.TruncateSuffix(meta.LastIndex + 1); err != nil {
			rf.fatal("AppendSnapshotChunk", err)
		}
	}

	rf.snapConfig = header.Configuration
	rf.snapConfigIndex = header.ConfigurationIndex
	rf.rescanConfiguration()
	rf.setCommitIndex(meta.LastIndex)
	rf.signalApplier()

	rf.logger.Info("snapshot installed", "last_index", meta.LastIndex, "last_term", meta.LastTerm)
}
