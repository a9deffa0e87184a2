package raft

import "github.com/brelvik/consensus/wire"

// raftLog is the in-memory tail of the replicated log. Entries covered by
// the latest snapshot are dropped; snapIndex and snapTerm stand in for them.
// An entry's absolute index is snapIndex + 1 + its slice position.
type raftLog struct {
	entries   []*wire.Entry
	snapIndex uint64
	snapTerm  uint64
}

// lastIndex returns the absolute index of the last entry.
//
// Assumes the lock is held when called
func (l *raftLog) lastIndex() uint64 {
	return l.snapIndex + uint64(len(l.entries))
}

// lastIndexAndTerm returns the index and term of the last entry in the log
//
// Assumes the lock is held when called
func (l *raftLog) lastIndexAndTerm() (lastLogIdx, lastLogTerm uint64) {
	if n := len(l.entries); n > 0 {
		return l.snapIndex + uint64(n), l.entries[n-1].Term
	}
	return l.snapIndex, l.snapTerm
}

// term returns the term of the entry at an absolute index. The second return
// is false when the index is below the snapshot or past the end of the log.
//
// Assumes the lock is held when called
func (l *raftLog) term(idx uint64) (uint64, bool) {
	if idx == l.snapIndex {
		return l.snapTerm, true
	}
	if idx < l.snapIndex || idx > l.lastIndex() {
		return 0, false
	}
	return l.entries[idx-l.snapIndex-1].Term, true
}

// entry returns the entry at an absolute index, or nil when the index is not
// in the in-memory window.
//
// Assumes the lock is held when called
func (l *raftLog) entry(idx uint64) *wire.Entry {
	if idx <= l.snapIndex || idx > l.lastIndex() {
		return nil
	}
	return l.entries[idx-l.snapIndex-1]
}

// slice copies out entries starting at absolute index from, at most limit of
// them when limit is positive.
//
// Assumes the lock is held when called
func (l *raftLog) slice(from uint64, limit int) []*wire.Entry {
	if from <= l.snapIndex || from > l.lastIndex() {
		return nil
	}
	lo := from - l.snapIndex - 1
	hi := uint64(len(l.entries))
	if limit > 0 && hi-lo > uint64(limit) {
		hi = lo + uint64(limit)
	}
	out := make([]*wire.Entry, hi-lo)
	copy(out, l.entries[lo:hi])
	return out
}

// append adds entries at the end of the log.
//
// Assumes the lock is held when called
func (l *raftLog) append(entries ...*wire.Entry) {
	l.entries = append(l.entries, entries...)
}

// truncateFrom drops the entry at absolute index from and everything after it.
//
// Assumes the lock is held when called
func (l *raftLog) truncateFrom(from uint64) {
	if from <= l.snapIndex {
		l.entries = nil
		return
	}
	if from > l.lastIndex() {
		return
	}
	l.entries = l.entries[:from-l.snapIndex-1]
}

// compactTo drops every entry up to and including idx, which becomes the new
// snapshot boundary.
//
// Assumes the lock is held when called
func (l *raftLog) compactTo(idx, term uint64) {
	if idx <= l.snapIndex {
		return
	}
	if idx < l.lastIndex() {
		l.entries = append([]*wire.Entry(nil), l.entries[idx-l.snapIndex:]...)
	} else {
		l.entries = nil
	}
	l.snapIndex = idx
	l.snapTerm = term
}

// reset discards the whole log in favor of a snapshot boundary.
//
// Assumes the lock is held when called
func (l *raftLog) reset(idx, term uint64) {
	l.entries = nil
	l.snapIndex = idx
	l.snapTerm = term
}

// upToDate determines if a candidate's log is at least as up-to-date as this one
//
// Assumes the lock is held when called
func (l *raftLog) upToDate(candidateLastIdx, candidateLastTerm uint64) bool {
	myLastIdx, myLastTerm := l.lastIndexAndTerm()
	if candidateLastTerm != myLastTerm {
		return candidateLastTerm > myLastTerm
	}
	return candidateLastIdx >= myLastIdx
}

// consistent checks whether the log matches a leader's previous entry.
// An index below the snapshot is treated as matching, since everything the
// snapshot covers is committed.
//
// Assumes the lock is held when called
func (l *raftLog) consistent(prevLogIdx, prevLogTerm uint64) bool {
	if prevLogIdx < l.snapIndex {
		return true
	}
	t, ok := l.term(prevLogIdx)
	return ok && t == prevLogTerm
}
