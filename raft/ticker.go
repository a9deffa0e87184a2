package raft

import (
	"math/rand"
	"time"
)

// ticker is the main timer loop for a Raft peer. It owns both timers: the
// reset channels exist so other goroutines never touch the timers directly.
func (rf *Raft) ticker() {
	defer func() {
		rf.heartbeatTicker.Stop()
		rf.electionTimer.Stop()
		rf.wg.Done()
	}()

	for {
		select {
		case <-rf.raftCtx.Done():
			return

		case <-rf.resetElectionTimerCh:
			rf.heartbeatTicker.Stop()
			if !rf.electionTimer.Stop() {
				select {
				case <-rf.electionTimer.C:
				default:
				}
			}
			rf.electionTimer.Reset(rf.randElectionInterval())

		case <-rf.resetHeartbeatTickerCh:
			if !rf.electionTimer.Stop() {
				select {
				case <-rf.electionTimer.C:
				default:
				}
			}
			rf.heartbeatTicker.Reset(rf.cfg.Timings.HeartbeatInterval)

		case <-rf.electionTimer.C:
			rf.logger.Debug("election timer fired, attempting to start election")
			rf.electionTimer.Reset(rf.randElectionInterval())
			rf.startElection()

		case <-rf.heartbeatTicker.C:
			if rf.isRole(leader) {
				rf.checkLeaderLease()
				rf.replicateAll()
			}
		}
	}
}

// checkLeaderLease steps the leader down when a majority of some voting half
// has been unreachable for a full election timeout. A deposed minority
// leader would otherwise keep accepting doomed submissions forever.
func (rf *Raft) checkLeaderLease() {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if !rf.isRole(leader) {
		return
	}
	timeout := rf.cfg.Timings.ElectionTimeoutBase + rf.cfg.Timings.ElectionTimeoutJitter
	if rf.leaderLostQuorum(timeout) {
		rf.logger.Warn("lost contact with a quorum, stepping down", "term", rf.curTerm)
		rf.becomeFollower(rf.curTerm)
	}
}

// resetHeartbeatTicker sends a signal to the ticker to reset the heartbeat timer.
func (rf *Raft) resetHeartbeatTicker() {
	select {
	case rf.resetHeartbeatTickerCh <- struct{}{}:
	default:
	}
}

// resetElectionTimer sends a signal to the ticker to reset the election timer.
func (rf *Raft) resetElectionTimer() {
	select {
	case rf.resetElectionTimerCh <- struct{}{}:
	default:
	}
}

func (rf *Raft) randElectionInterval() time.Duration {
	return rf.cfg.Timings.ElectionTimeoutBase + time.Duration(rand.Int63n(int64(rf.cfg.Timings.ElectionTimeoutJitter)))
}
