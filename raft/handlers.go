package raft

import (
	"github.com/brelvik/consensus/wire"
)

// Inbound RPC handlers. Every one checks the recipient id first: a request
// addressed to another node gets a negative reply at the current term and
// changes no state. Persistence happens before the reply is returned, so an
// acknowledged vote or append survives a crash.

func (rf *Raft) handleRequestVote(req *wire.RequestVoteRequest) *wire.RequestVoteResponse {
	reply := &wire.RequestVoteResponse{}
	var persistMetadata bool

	rf.mu.Lock()
	defer func() {
		if persistMetadata {
			rf.persistMetadata("RequestVote")
		}
		rf.mu.Unlock()
	}()

	reply.Term = rf.curTerm
	if req.RecipientID != rf.id {
		rf.logger.Warn("request addressed to another node", "op", "RequestVote", "recipient_id", req.RecipientID)
		return reply
	}
	if req.Term < rf.curTerm {
		return reply
	}

	if req.Term > rf.curTerm {
		rf.becomeFollower(req.Term)
		persistMetadata = true
	}
	reply.Term = rf.curTerm

	if !rf.log.upToDate(req.LastLogIndex, req.LastLogTerm) {
		myLastLogIdx, myLastLogTerm := rf.log.lastIndexAndTerm()
		rf.logger.Warn(
			"denying vote, candidate log not up-to-date",
			"candidate_id", req.ServerID,
			"candidate_last_log_idx", req.LastLogIndex,
			"candidate_last_log_term", req.LastLogTerm,
			"my_last_log_idx", myLastLogIdx,
			"my_last_log_term", myLastLogTerm,
		)
		return reply
	}

	if rf.votedFor != votedForNone && rf.votedFor != req.ServerID {
		rf.logger.Warn(
			"denying vote, already voted for another candidate",
			"candidate_id", req.ServerID,
			"voted_for", rf.votedFor,
		)
		return reply
	}

	reply.Granted = true
	rf.votedFor = req.ServerID
	persistMetadata = true
	rf.resetElectionTimer()
	rf.logger.Info(
		"voting for candidate",
		"candidate_id", req.ServerID,
		"term", rf.curTerm,
	)
	return reply
}

func (rf *Raft) handleAppendEntries(req *wire.AppendEntriesRequest) *wire.AppendEntriesResponse {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	reply := &wire.AppendEntriesResponse{Term: rf.curTerm}
	if req.RecipientID != rf.id {
		rf.logger.Warn("request addressed to another node", "op", "AppendEntries", "recipient_id", req.RecipientID)
		return reply
	}
	if req.Term < rf.curTerm {
		return reply
	}

	if rf.isRole(leader) && req.Term == rf.curTerm {
		rf.invariants.fail("second leader %d for term %d", req.ServerID, rf.curTerm)
	}

	if len(req.Entries) > 0 {
		rf.logger.Debug("append entries received", "leader_id", req.ServerID, "term", req.Term, "num_entries", len(req.Entries))
	}

	if req.Term > rf.curTerm || rf.isRole(candidate) {
		rf.becomeFollower(req.Term)
		rf.persistMetadata("AppendEntries")
	}
	rf.leaderID = req.ServerID
	rf.resetElectionTimer()
	reply.Term = rf.curTerm

	if !rf.log.consistent(req.PrevLogIndex, req.PrevLogTerm) {
		rf.logger.Debug(
			"rejecting entries, log inconsistent",
			"prev_log_index", req.PrevLogIndex,
			"prev_log_term", req.PrevLogTerm,
		)
		return reply
	}

	rf.processEntries(req)

	if req.CommitIndex > rf.commitIndex {
		// Entries past the ones just confirmed may still disagree with the
		// leader's, so the commit index only advances through them.
		rf.setCommitIndex(min(req.CommitIndex, req.PrevLogIndex+uint64(len(req.Entries))))
	}

	reply.Success = true
	return reply
}

// processEntries reconciles the request's entries with the local log: skip
// what already matches, truncate at the first term conflict, append the rest.
//
// Assumes the lock is held when called
func (rf *Raft) processEntries(req *wire.AppendEntriesRequest) {
	for i, e := range req.Entries {
		absIdx := req.PrevLogIndex + 1 + uint64(i)
		if absIdx <= rf.log.snapIndex {
			continue // already covered by the snapshot
		}

		if absIdx <= rf.log.lastIndex() {
			if t, _ := rf.log.term(absIdx); t == e.Term {
				continue
			}
			rf.invariants.checkTruncate(absIdx)
			rf.log.truncateFrom(absIdx)
			if err := rf.store.TruncateSuffix(absIdx); err != nil {
				rf.fatal("AppendEntries", err)
			}
			if rf.configIndex >= absIdx {
				rf.rescanConfiguration()
			}
		}

		entries := req.Entries[i:]
		rf.log.append(entries...)
		if err := rf.store.AppendEntries(absIdx, entries); err != nil {
			rf.fatal("AppendEntries", err)
		}
		rf.adoptConfigurationFrom(absIdx, entries)
		return
	}
}

// adoptConfigurationFrom puts the newest configuration entry in a freshly
// appended batch into effect.
//
// Assumes the lock is held when called
func (rf *Raft) adoptConfigurationFrom(first uint64, entries []*wire.Entry) {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Type == wire.EntryConfiguration {
			rf.setConfiguration(first+uint64(i), entries[i].Configuration)
			return
		}
	}
}

func (rf *Raft) handleAppendSnapshotChunk(req *wire.AppendSnapshotChunkRequest) *wire.AppendSnapshotChunkResponse {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	reply := &wire.AppendSnapshotChunkResponse{Term: rf.curTerm}
	if req.RecipientID != rf.id {
		rf.logger.Warn("request addressed to another node", "op", "AppendSnapshotChunk", "recipient_id", req.RecipientID)
		return reply
	}
	if req.Term < rf.curTerm {
		return reply
	}

	if req.Term > rf.curTerm || rf.isRole(candidate) {
		rf.becomeFollower(req.Term)
		rf.persistMetadata("AppendSnapshotChunk")
	}
	rf.leaderID = req.ServerID
	rf.resetElectionTimer()
	reply.Term = rf.curTerm

	pending, err := rf.store.PendingSnapshotSize()
	if err != nil {
		rf.fatal("AppendSnapshotChunk", err)
	}
	switch {
	case req.ByteOffset == 0 || req.ByteOffset == pending:
		if err := rf.store.WriteSnapshotChunk(req.ByteOffset, req.Data); err != nil {
			rf.fatal("AppendSnapshotChunk", err)
		}
	default:
		// Either a retransmission of bytes already buffered or a chunk past
		// a buffer lost to a restart. Acknowledge without writing; the
		// completeness check on the final chunk forces a fresh transfer
		// when bytes are actually missing.
		rf.logger.Debug("ignoring snapshot chunk", "byte_offset", req.ByteOffset, "pending_size", pending)
		return reply
	}

	if req.Done {
		rf.finishSnapshotInstall(req)
	}
	return reply
}

func (rf *Raft) handleGetSupportedRPCVersions(req *wire.GetSupportedRPCVersionsRequest) *wire.GetSupportedRPCVersionsResponse {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	// Read-only: the request's term is not adopted and no timer is reset,
	// so transport-level probing never influences elections.
	if req.RecipientID != rf.id {
		rf.logger.Warn("request addressed to another node", "op", "GetSupportedRPCVersions", "recipient_id", req.RecipientID)
	}
	return &wire.GetSupportedRPCVersionsResponse{
		Term:       rf.curTerm,
		MinVersion: wire.MinRPCVersion,
		MaxVersion: wire.MaxRPCVersion,
	}
}
