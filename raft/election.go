package raft

import (
	"context"

	"github.com/brelvik/consensus/pkg/logger"
	"github.com/brelvik/consensus/wire"
)

// startElection begins a leader election for the next term. A node that is
// not part of the configuration in effect never starts one; a fresh node
// waiting to be added would only disrupt the cluster it cannot yet join.
func (rf *Raft) startElection() {
	rf.mu.Lock()

	if rf.Killed() || rf.isRole(leader) {
		rf.mu.Unlock()
		return
	}
	if !inConfiguration(rf.config, rf.id) {
		rf.logger.Debug("not a voting member, skipping election")
		rf.mu.Unlock()
		return
	}

	rf.becomeCandidate()
	rf.persistMetadata("startElection")
	rf.logger.Info("starting election", "term", rf.curTerm)

	electionTerm := rf.curTerm
	lastLogIdx, lastLogTerm := rf.log.lastIndexAndTerm()
	rf.votes = map[uint64]bool{rf.id: true}

	// A single-node configuration elects itself on the spot.
	if rf.quorumOfVotes() {
		rf.becomeLeader()
		rf.mu.Unlock()
		rf.replicateAll()
		return
	}

	req := &wire.RequestVoteRequest{
		ServerID:     rf.id,
		Term:         electionTerm,
		LastLogTerm:  lastLogTerm,
		LastLogIndex: lastLogIdx,
	}
	members := rf.memberSet()
	peers := make([]uint64, 0, len(members))
	for id := range members {
		if id != rf.id {
			peers = append(peers, id)
		}
	}
	rf.mu.Unlock()

	// Send RequestVote RPCs in parallel to all peers
	for _, id := range peers {
		go rf.requestVoteFrom(id, req)
	}
}

func (rf *Raft) requestVoteFrom(peerID uint64, req *wire.RequestVoteRequest) {
	tctx, tcancel := context.WithTimeout(rf.raftCtx, rf.cfg.Timings.RPCTimeout)
	defer tcancel()

	peerReq := *req
	peerReq.RecipientID = peerID
	reply, err := rf.transport.SendRequestVote(tctx, peerID, &peerReq)
	if err != nil {
		rf.logger.Warn("failed to get vote response from peer", "peer_id", peerID, logger.ErrAttr(err))
		return
	}
	rf.handleVoteResponse(peerID, req.Term, reply)
}

// handleVoteResponse tallies one vote reply. It steps down on a higher-term
// reply and promotes the candidate once every voting half has a majority.
func (rf *Raft) handleVoteResponse(peerID, electionTerm uint64, reply *wire.RequestVoteResponse) {
	rf.mu.Lock()
	rf.logger.Debug("received vote reply", "voter", peerID, "granted", reply.Granted, "term", reply.Term)

	if reply.Term > rf.curTerm {
		rf.becomeFollower(reply.Term)
		rf.persistMetadata("handleVoteResponse")
		rf.mu.Unlock()
		return
	}

	// Ignore outdated election responses
	if !rf.isRole(candidate) || rf.curTerm != electionTerm || !reply.Granted {
		rf.mu.Unlock()
		return
	}

	rf.votes[peerID] = true
	if !rf.quorumOfVotes() {
		rf.mu.Unlock()
		return
	}

	rf.becomeLeader()
	rf.mu.Unlock()
	rf.replicateAll()
}

// quorumOfVotes reports whether the granted votes satisfy every voting half.
//
// Assumes the lock is held when called
func (rf *Raft) quorumOfVotes() bool {
	return quorumSatisfied(rf.config, func(id uint64) bool { return rf.votes[id] })
}
