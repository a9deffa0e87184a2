package raft

import (
	"fmt"
	"slices"

	"github.com/brelvik/consensus/api"
	"github.com/brelvik/consensus/wire"
)

// Membership changes go through a joint configuration: the leader first
// replicates {Prev: old, Next: new}, under which every decision needs a
// majority of both halves, and once that commits it replicates the stable
// {Prev: new}. A configuration takes effect the moment it is appended, not
// when it commits.

func contains(sc wire.SimpleConfiguration, id uint64) bool {
	for _, s := range sc.Servers {
		if s.ID == id {
			return true
		}
	}
	return false
}

// inConfiguration reports whether id is a voting member under cfg.
func inConfiguration(cfg wire.Configuration, id uint64) bool {
	if contains(cfg.Prev, id) {
		return true
	}
	return cfg.Next != nil && contains(*cfg.Next, id)
}

func halfSatisfied(sc wire.SimpleConfiguration, ok func(uint64) bool) bool {
	if len(sc.Servers) == 0 {
		return false
	}
	var n int
	for _, s := range sc.Servers {
		if ok(s.ID) {
			n++
		}
	}
	return n > len(sc.Servers)/2
}

// quorumSatisfied reports whether the members for which ok returns true form
// a majority of every voting half.
func quorumSatisfied(cfg wire.Configuration, ok func(uint64) bool) bool {
	if !halfSatisfied(cfg.Prev, ok) {
		return false
	}
	return cfg.Next == nil || halfSatisfied(*cfg.Next, ok)
}

func halfMatchIndex(sc wire.SimpleConfiguration, match func(uint64) uint64) uint64 {
	if len(sc.Servers) == 0 {
		return 0
	}
	vals := make([]uint64, 0, len(sc.Servers))
	for _, s := range sc.Servers {
		vals = append(vals, match(s.ID))
	}
	slices.Sort(vals)
	return vals[(len(vals)-1)/2]
}

// quorumMatchIndex returns the highest index replicated on a majority of
// every voting half.
func quorumMatchIndex(cfg wire.Configuration, match func(uint64) uint64) uint64 {
	idx := halfMatchIndex(cfg.Prev, match)
	if cfg.Next != nil {
		idx = min(idx, halfMatchIndex(*cfg.Next, match))
	}
	return idx
}

// memberSet returns the union of both voting halves.
//
// Assumes the lock is held when called
func (rf *Raft) memberSet() map[uint64]bool {
	m := make(map[uint64]bool)
	for _, s := range rf.config.Prev.Servers {
		m[s.ID] = true
	}
	if rf.config.Next != nil {
		for _, s := range rf.config.Next.Servers {
			m[s.ID] = true
		}
	}
	return m
}

// configPeers returns every member except this node, with duplicates across
// the two halves collapsed.
//
// Assumes the lock is held when called
func (rf *Raft) configPeers() []wire.Server {
	seen := make(map[uint64]bool)
	var out []wire.Server
	add := func(servers []wire.Server) {
		for _, s := range servers {
			if s.ID == rf.id || seen[s.ID] {
				continue
			}
			seen[s.ID] = true
			out = append(out, s)
		}
	}
	add(rf.config.Prev.Servers)
	if rf.config.Next != nil {
		add(rf.config.Next.Servers)
	}
	return out
}

// setConfiguration adopts cfg as the configuration in effect and tells the
// transport about the new peer set.
//
// Assumes the lock is held when called
func (rf *Raft) setConfiguration(idx uint64, cfg *wire.Configuration) {
	rf.config = *cfg
	rf.configIndex = idx
	if rf.isRole(leader) {
		rf.syncProgress()
	}
	rf.transport.UpdatePeers(rf.configPeers())
	rf.logger.Info("configuration in effect",
		"index", idx,
		"joint", cfg.Joint(),
		"members", len(rf.memberSet()),
	)
}

// syncProgress starts tracking members added by a configuration change and
// drops members removed by one.
//
// Assumes the lock is held when called
func (rf *Raft) syncProgress() {
	members := rf.memberSet()
	nextIdx := rf.log.lastIndex() + 1
	for id := range members {
		if id == rf.id {
			continue
		}
		if _, ok := rf.progress[id]; !ok {
			rf.progress[id] = newProgress(nextIdx)
		}
	}
	for id := range rf.progress {
		if !members[id] {
			delete(rf.progress, id)
		}
	}
}

// rescanConfiguration walks the log backwards for the newest configuration
// entry, falling back to the one recorded in the snapshot header.
//
// Assumes the lock is held when called
func (rf *Raft) rescanConfiguration() {
	for i := len(rf.log.entries) - 1; i >= 0; i-- {
		if e := rf.log.entries[i]; e.Type == wire.EntryConfiguration {
			rf.setConfiguration(rf.log.snapIndex+1+uint64(i), e.Configuration)
			return
		}
	}
	if rf.snapConfig != nil {
		rf.setConfiguration(rf.snapConfigIndex, rf.snapConfig)
		return
	}
	rf.config = wire.Configuration{}
	rf.configIndex = 0
}

// configurationAt returns the newest configuration at or below idx.
//
// Assumes the lock is held when called
func (rf *Raft) configurationAt(idx uint64) (*wire.Configuration, uint64) {
	for i := min(idx, rf.log.lastIndex()); i > rf.log.snapIndex; i-- {
		if e := rf.log.entry(i); e.Type == wire.EntryConfiguration {
			return e.Configuration, i
		}
	}
	return rf.snapConfig, rf.snapConfigIndex
}

// ChangeConfiguration starts a membership change to the given server set.
// Only one change may be in flight at a time; a change is in flight until
// its stable configuration is committed.
func (rf *Raft) ChangeConfiguration(servers []wire.Server) error {
	if len(servers) == 0 {
		return fmt.Errorf("target configuration has no servers")
	}

	rf.mu.Lock()
	if !rf.isRole(leader) {
		rf.mu.Unlock()
		return api.ErrNotLeader
	}
	if rf.config.Joint() || rf.configIndex > rf.commitIndex {
		rf.mu.Unlock()
		return api.ErrConfigurationInFlight
	}

	joint := &wire.Configuration{
		Prev: wire.SimpleConfiguration{
			Servers: append([]wire.Server(nil), rf.config.Prev.Servers...),
		},
		Next: &wire.SimpleConfiguration{
			Servers: append([]wire.Server(nil), servers...),
		},
	}
	idx := rf.appendAsLeader(&wire.Entry{
		Term:          rf.curTerm,
		Type:          wire.EntryConfiguration,
		Configuration: joint,
	})
	rf.advanceCommitIndex()
	rf.logger.Info("starting configuration change", "index", idx, "new_members", len(servers))
	rf.mu.Unlock()

	rf.replicateAll()
	return nil
}

// maybeFinishConfigurationChange moves the change pipeline along once the
// configuration in effect is committed: a committed joint configuration is
// followed by its stable form, and a committed stable configuration that no
// longer includes this leader makes it step down.
//
// Assumes the lock is held when called
func (rf *Raft) maybeFinishConfigurationChange() {
	if !rf.isRole(leader) || rf.configIndex == 0 || rf.configIndex > rf.commitIndex {
		return
	}

	if rf.config.Joint() {
		stable := &wire.Configuration{
			Prev: wire.SimpleConfiguration{
				Servers: append([]wire.Server(nil), rf.config.Next.Servers...),
			},
		}
		idx := rf.appendAsLeader(&wire.Entry{
			Term:          rf.curTerm,
			Type:          wire.EntryConfiguration,
			Configuration: stable,
		})
		rf.logger.Info("leaving joint configuration", "index", idx)
		return
	}

	if !inConfiguration(rf.config, rf.id) {
		rf.logger.Info("stepping down, no longer a member", "term", rf.curTerm)
		rf.becomeFollower(rf.curTerm)
	}
}
