// Package raft implements the consensus core: leader election, log
// replication, chunked snapshot transfer, and joint-consensus membership
// changes. It speaks to the outside world through the api package's
// Transport and LogStore contracts and delivers committed entries on an
// apply channel.
package raft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brelvik/consensus/api"
	"github.com/brelvik/consensus/pkg/logger"
	"github.com/brelvik/consensus/wire"
)

const votedForNone uint64 = 0

// A Go object implementing a single Raft peer.
type Raft struct {
	wg sync.WaitGroup
	mu sync.Mutex // Lock to protect shared access to this peer's state

	id        uint64        // this peer's server id
	transport api.Transport // RPC clients layer abstraction
	store     api.LogStore  // persistence layer abstraction
	ownsStore bool          // whether Stop should close the store
	dead      int32         // set by Stop()

	role role        // current role of the peer
	cfg  *api.Config // config of the peer

	electionTimer   *time.Timer
	heartbeatTicker *time.Ticker

	applyChan         chan *api.ApplyMessage
	signalApplierChan chan struct{}

	resetElectionTimerCh   chan struct{}
	resetHeartbeatTickerCh chan struct{}

	// Persistent state:

	curTerm  uint64  // latest term server has seen
	votedFor uint64  // server id this peer voted for in curTerm, 0 for none
	log      raftLog // log entries plus the snapshot boundary

	// Volatile state on all servers:

	// index of highest log entry known to be committed
	commitIndex uint64
	// index of the highest log entry delivered on the apply channel
	lastApplied uint64
	// id of the last known leader, 0 when unknown
	leaderID uint64

	// configuration in effect (the newest one in the log or snapshot)
	config      wire.Configuration
	configIndex uint64
	// configuration recorded in the snapshot header, if any
	snapConfig      *wire.Configuration
	snapConfigIndex uint64

	// Volatile state on leaders (reinitialized after election):

	// per-follower replication state, keyed by server id
	progress map[uint64]*progress
	// granted votes collected by the current candidacy
	votes map[uint64]bool

	invariants *invariantChecker

	raftCtx    context.Context
	raftCancel context.CancelFunc
	logger     *slog.Logger

	monitoringServer *http.Server
}

// Start restores persistent state and launches the background goroutines.
func (rf *Raft) Start() error {
	if err := rf.restore(); err != nil {
		return err
	}

	rf.electionTimer = time.NewTimer(rf.randElectionInterval())
	rf.heartbeatTicker = time.NewTicker(rf.cfg.Timings.HeartbeatInterval)
	rf.heartbeatTicker.Stop()

	rf.startMonitoringServer()

	rf.wg.Add(2)
	go rf.applier()
	go rf.ticker()

	if rf.commitIndex > 0 {
		rf.signalApplier()
	}
	return nil
}

// restore loads metadata, snapshot, and log from the store and derives the
// volatile state from them.
func (rf *Raft) restore() error {
	md, err := rf.store.LoadMetadata()
	if err != nil {
		return fmt.Errorf("load metadata: %w", err)
	}
	if rf.cfg.ClusterID != "" && md.ClusterID != "" && md.ClusterID != rf.cfg.ClusterID {
		return fmt.Errorf("%w: store belongs to cluster %q, node configured for %q",
			api.ErrClusterMismatch, md.ClusterID, rf.cfg.ClusterID)
	}
	rf.curTerm = md.CurrentTerm
	rf.votedFor = md.VotedFor

	sm, err := rf.store.SnapshotMeta()
	if err != nil {
		return fmt.Errorf("load snapshot metadata: %w", err)
	}
	if sm.LastIndex > 0 {
		data, err := rf.store.ReadSnapshot()
		if err != nil {
			return fmt.Errorf("read snapshot: %w", err)
		}
		header, _, err := wire.DecodeSnapshot(data)
		if err != nil {
			return fmt.Errorf("decode snapshot: %w", err)
		}
		rf.log.reset(sm.LastIndex, sm.LastTerm)
		rf.snapConfig = header.Configuration
		rf.snapConfigIndex = header.ConfigurationIndex
		rf.commitIndex = sm.LastIndex
	}

	first, entries, err := rf.store.LoadEntries()
	if err != nil {
		return fmt.Errorf("load log: %w", err)
	}
	if len(entries) > 0 {
		if first != rf.log.snapIndex+1 {
			return fmt.Errorf("log starts at index %d but snapshot ends at %d", first, rf.log.snapIndex)
		}
		rf.log.append(entries...)
	}

	rf.invariants.checkMetadata(rf.curTerm, rf.votedFor)
	rf.invariants.observeCommit(rf.commitIndex, rf.log.term)
	rf.rescanConfiguration()
	atomic.StoreUint32(&rf.role, follower)

	lastIdx, lastTerm := rf.log.lastIndexAndTerm()
	rf.logger.Info("state restored",
		"term", rf.curTerm,
		"last_log_index", lastIdx,
		"last_log_term", lastTerm,
		"snapshot_index", rf.log.snapIndex,
		"members", len(rf.memberSet()),
	)
	return nil
}

// Stop sets the peer to a dead state and stops completely
func (rf *Raft) Stop() error {
	tctx, tcancel := context.WithTimeout(context.Background(), rf.cfg.Timings.ShutdownTimeout)
	defer tcancel()

	var err error
	atomic.StoreInt32(&rf.dead, 1)

	if rf.monitoringServer != nil {
		if serr := rf.monitoringServer.Shutdown(tctx); serr != nil {
			err = errors.Join(err, fmt.Errorf("failed to shutdown monitoring server: %w", serr))
		}
	}

	rf.raftCancel()
	rf.wg.Wait()

	if rf.ownsStore {
		if serr := rf.store.Close(); serr != nil {
			err = errors.Join(err, fmt.Errorf("failed to close store: %w", serr))
		}
	}
	return err
}

// Submit proposes a new command to be replicated
func (rf *Raft) Submit(command []byte) (uint64, uint64, bool) {
	rf.mu.Lock()

	if rf.Killed() || !rf.isRole(leader) {
		term := rf.curTerm
		rf.mu.Unlock()
		return 0, term, false
	}

	term := rf.curTerm
	idx := rf.appendAsLeader(&wire.Entry{
		Term: term,
		Type: wire.EntryData,
		Data: command,
	})
	rf.advanceCommitIndex()
	rf.mu.Unlock()

	rf.replicateAll()
	return idx, term, true
}

// setCommitIndex advances the commit index and wakes the applier.
//
// Assumes the lock is held when called
func (rf *Raft) setCommitIndex(idx uint64) {
	if idx <= rf.commitIndex {
		return
	}
	rf.invariants.observeCommit(idx, rf.log.term)
	rf.commitIndex = idx
	rf.signalApplier()
}

// persistMetadata writes term and vote durably.
//
// Assumes the lock is held when called
func (rf *Raft) persistMetadata(op string) {
	rf.invariants.checkMetadata(rf.curTerm, rf.votedFor)
	md := api.Metadata{
		CurrentTerm: rf.curTerm,
		VotedFor:    rf.votedFor,
		ClusterID:   rf.cfg.ClusterID,
	}
	if err := rf.store.StoreMetadata(md); err != nil {
		rf.fatal(op, err)
	}
}

// fatal logs a storage failure and panics. A node that cannot persist may
// already have acknowledged state it cannot uphold, so it must not keep
// running.
func (rf *Raft) fatal(op string, err error) {
	errMsg := fmt.Sprintf(
		"CRITICAL: failed to persist state in '%s'. The node's state is now corrupted! Shutting down to prevent further inconsistency. Error: %v",
		op,
		err,
	)
	rf.logger.Error(
		errMsg,
		slog.String("op", op),
		logger.ErrAttr(err),
	)
	panic(errMsg)
}
