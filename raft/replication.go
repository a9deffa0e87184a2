package raft

import (
	"context"
	"time"

	"github.com/brelvik/consensus/pkg/logger"
	"github.com/brelvik/consensus/wire"
)

// progress is the leader's per-follower replication state.
type progress struct {
	// index of the next log entry to send (initialized to leader last log index + 1)
	nextIndex uint64
	// index of highest log entry known to be replicated (initialized to 0, increases monotonically)
	matchIndex uint64
	// when the follower last answered any RPC
	lastHeard time.Time
	// in-flight snapshot transfer, nil when entries are being sent
	snap *snapshotCursor
}

func newProgress(nextIndex uint64) *progress {
	return &progress{nextIndex: nextIndex, lastHeard: time.Now()}
}

// replicateAll is invoked by the leader to replicate its state to all peers
func (rf *Raft) replicateAll() {
	rf.mu.Lock()
	if !rf.isRole(leader) {
		rf.mu.Unlock()
		return
	}
	peers := make([]uint64, 0, len(rf.progress))
	for id := range rf.progress {
		peers = append(peers, id)
	}
	rf.mu.Unlock()

	for _, id := range peers {
		go rf.replicateTo(id)
	}
}

// replicateTo sends one follower whatever it is missing: a snapshot chunk
// when its next entry is already compacted away, log entries otherwise.
func (rf *Raft) replicateTo(peerID uint64) {
	rf.mu.Lock()
	if rf.Killed() || !rf.isRole(leader) {
		rf.mu.Unlock()
		return
	}
	p, ok := rf.progress[peerID]
	if !ok {
		rf.mu.Unlock()
		return
	}

	if p.snap != nil || p.nextIndex <= rf.log.snapIndex {
		rf.sendSnapshotChunk(peerID, p) // unlocks
		return
	}

	prevLogIdx := p.nextIndex - 1
	prevLogTerm, _ := rf.log.term(prevLogIdx)
	req := &wire.AppendEntriesRequest{
		ServerID:     rf.id,
		RecipientID:  peerID,
		Term:         rf.curTerm,
		PrevLogTerm:  prevLogTerm,
		PrevLogIndex: prevLogIdx,
		Entries:      rf.log.slice(p.nextIndex, rf.cfg.MaxEntriesPerRequest),
		CommitIndex:  rf.commitIndex,
	}
	rf.mu.Unlock()

	tctx, tcancel := context.WithTimeout(rf.raftCtx, rf.cfg.Timings.RPCTimeout)
	reply, err := rf.transport.SendAppendEntries(tctx, peerID, req)
	tcancel()
	if err != nil {
		rf.logger.Debug("failed to send entries to peer", "peer_id", peerID, logger.ErrAttr(err))
		return
	}

	rf.handleAppendEntriesReply(peerID, req, reply)
}

// handleAppendEntriesReply processes the reply from an AppendEntries RPC.
// The reply carries only the follower's term and a success flag, so a
// rejection walks nextIndex back one entry and retries immediately.
func (rf *Raft) handleAppendEntriesReply(peerID uint64, req *wire.AppendEntriesRequest, reply *wire.AppendEntriesResponse) {
	rf.mu.Lock()

	if reply.Term > rf.curTerm {
		rf.becomeFollower(reply.Term)
		rf.persistMetadata("handleAppendEntriesReply")
		rf.mu.Unlock()
		return
	}
	if !rf.isRole(leader) || rf.curTerm != req.Term {
		rf.mu.Unlock()
		return
	}
	p, ok := rf.progress[peerID]
	if !ok {
		rf.mu.Unlock()
		return
	}
	p.lastHeard = time.Now()

	if !reply.Success {
		if p.nextIndex > 1 {
			p.nextIndex--
		}
		if p.nextIndex <= rf.log.snapIndex {
			rf.sendSnapshotChunk(peerID, p) // unlocks
			return
		}
		rf.mu.Unlock()
		go rf.replicateTo(peerID)
		return
	}

	newMatchIdx := req.PrevLogIndex + uint64(len(req.Entries))
	if newMatchIdx > p.matchIndex {
		p.matchIndex = newMatchIdx
	}
	p.nextIndex = p.matchIndex + 1
	rf.advanceCommitIndex()

	// Keep pushing if the follower is still behind.
	behind := p.nextIndex <= rf.log.lastIndex()
	rf.mu.Unlock()
	if behind {
		go rf.replicateTo(peerID)
	}
}

// advanceCommitIndex commits every entry of the current term replicated on a
// majority of each voting half, then lets a pending configuration change
// make its next step. The loop re-evaluates because that step appends and,
// in a single-node configuration, immediately commits.
//
// Assumes the lock is held when called
func (rf *Raft) advanceCommitIndex() {
	for rf.isRole(leader) {
		match := func(id uint64) uint64 {
			if id == rf.id {
				return rf.log.lastIndex()
			}
			if p, ok := rf.progress[id]; ok {
				return p.matchIndex
			}
			return 0
		}
		idx := quorumMatchIndex(rf.config, match)
		if idx <= rf.commitIndex {
			return
		}
		// Only entries from the leader's own term commit by counting.
		if t, ok := rf.log.term(idx); !ok || t != rf.curTerm {
			return
		}
		rf.setCommitIndex(idx)
		rf.maybeFinishConfigurationChange()
	}
}
