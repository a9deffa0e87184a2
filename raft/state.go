package raft

import (
	"sync/atomic"
	"time"

	"github.com/brelvik/consensus/wire"
)

type role = uint32

const (
	_ role = iota
	follower
	candidate
	leader
)

// roleToString converts a role to its string representation.
func roleToString(r role) string {
	switch r {
	case follower:
		return "follower"
	case candidate:
		return "candidate"
	case leader:
		return "leader"
	default:
		return "unknown"
	}
}

func (rf *Raft) isRole(r role) bool {
	return atomic.LoadUint32(&rf.role) == r
}

// becomeFollower transitions the peer to the follower state.
//
// Callers persist metadata afterwards when the term changed.
// Assumes the lock is held when called
func (rf *Raft) becomeFollower(term uint64) {
	rf.invariants.checkTransition(rf.role, follower, rf.curTerm, term)
	rf.logger.Info("transitioning to follower", "term", term)
	atomic.StoreUint32(&rf.role, follower)
	rf.leaderID = 0
	if term > rf.curTerm {
		rf.curTerm = term
		rf.votedFor = votedForNone
	}
	rf.resetElectionTimer()
}

// becomeCandidate moves the peer into the next term as a candidate voting
// for itself.
//
// Assumes the lock is held when called
func (rf *Raft) becomeCandidate() {
	rf.invariants.checkTransition(rf.role, candidate, rf.curTerm, rf.curTerm+1)
	atomic.StoreUint32(&rf.role, candidate)
	rf.curTerm++
	rf.votedFor = rf.id
	rf.leaderID = 0
}

// becomeLeader transitions the peer to the leader state
//
// Assumes the lock is held when called
func (rf *Raft) becomeLeader() {
	rf.invariants.checkTransition(rf.role, leader, rf.curTerm, rf.curTerm)
	rf.logger.Info("transitioning to leader", "from_role", roleToString(rf.role), "term", rf.curTerm)
	atomic.StoreUint32(&rf.role, leader)
	rf.leaderID = rf.id

	rf.progress = make(map[uint64]*progress)
	rf.syncProgress()

	if rf.cfg.CommitNoop {
		rf.appendAsLeader(&wire.Entry{Term: rf.curTerm, Type: wire.EntryNoop})
	}
	rf.advanceCommitIndex()
	rf.resetHeartbeatTicker()
}

// appendAsLeader adds an entry to the local log and persists it, returning
// its absolute index.
//
// Assumes the lock is held when called
func (rf *Raft) appendAsLeader(e *wire.Entry) uint64 {
	idx := rf.log.lastIndex() + 1
	rf.log.append(e)
	if err := rf.store.AppendEntries(idx, []*wire.Entry{e}); err != nil {
		rf.fatal("appendAsLeader", err)
	}
	if e.Type == wire.EntryConfiguration {
		rf.setConfiguration(idx, e.Configuration)
	}
	return idx
}

// Killed returns true if the server has been stopped.
func (rf *Raft) Killed() bool {
	return atomic.LoadInt32(&rf.dead) == 1
}

// State returns current term and whether this server believes it is the leader
func (rf *Raft) State() (uint64, bool) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.curTerm, rf.isRole(leader)
}

// LeaderID returns the id of the last known leader, or 0 when unknown.
func (rf *Raft) LeaderID() uint64 {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.leaderID
}

// leaderLostQuorum reports whether a majority of some voting half has been
// silent for longer than timeout.
//
// Assumes the lock is held when called
func (rf *Raft) leaderLostQuorum(timeout time.Duration) bool {
	cutoff := time.Now().Add(-timeout)
	heard := func(id uint64) bool {
		if id == rf.id {
			return true
		}
		p, ok := rf.progress[id]
		return ok && p.lastHeard.After(cutoff)
	}
	return !quorumSatisfied(rf.config, heard)
}
