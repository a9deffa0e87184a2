package raft

import (
	"fmt"
	"log/slog"
)

// invariantChecker cross-checks every state transition against the rules the
// rest of the node depends on. A violation means the node's state can no
// longer be trusted, so it panics instead of serving from corrupt state.
type invariantChecker struct {
	logger *slog.Logger

	lastTerm   uint64
	lastVote   uint64
	lastCommit uint64

	// term of each committed entry not yet covered by a snapshot
	committed map[uint64]uint64
}

func newInvariantChecker(logger *slog.Logger) *invariantChecker {
	return &invariantChecker{
		logger:    logger,
		committed: make(map[uint64]uint64),
	}
}

func (ic *invariantChecker) fail(format string, args ...any) {
	msg := "invariant violated: " + fmt.Sprintf(format, args...)
	ic.logger.Error(msg)
	panic(msg)
}

// checkMetadata rejects a term moving backwards and a vote changing within
// a term.
func (ic *invariantChecker) checkMetadata(term, votedFor uint64) {
	if term < ic.lastTerm {
		ic.fail("current term moved backwards from %d to %d", ic.lastTerm, term)
	}
	if term == ic.lastTerm && ic.lastVote != votedForNone && votedFor != ic.lastVote {
		ic.fail("vote in term %d changed from %d to %d", term, ic.lastVote, votedFor)
	}
	if term > ic.lastTerm {
		ic.lastVote = votedForNone
	}
	ic.lastTerm = term
	if votedFor != votedForNone {
		ic.lastVote = votedFor
	}
}

// checkTransition rejects illegal role changes.
func (ic *invariantChecker) checkTransition(from, to role, oldTerm, newTerm uint64) {
	switch {
	case newTerm < oldTerm:
		ic.fail("role change to %s moved term backwards from %d to %d", roleToString(to), oldTerm, newTerm)
	case to == leader && from != candidate:
		ic.fail("%s tried to become leader in term %d", roleToString(from), newTerm)
	case to == candidate && from == leader:
		ic.fail("leader tried to become candidate in term %d", newTerm)
	}
}

// observeCommit records entries as they become committed and rejects a
// commit index that moves backwards.
func (ic *invariantChecker) observeCommit(commit uint64, term func(uint64) (uint64, bool)) {
	if commit < ic.lastCommit {
		ic.fail("commit index moved backwards from %d to %d", ic.lastCommit, commit)
	}
	for idx := ic.lastCommit + 1; idx <= commit; idx++ {
		if t, ok := term(idx); ok {
			ic.committed[idx] = t
		}
	}
	ic.lastCommit = commit
}

// checkTruncate rejects a truncation that would drop committed entries.
func (ic *invariantChecker) checkTruncate(from uint64) {
	if from <= ic.lastCommit {
		ic.fail("truncation at %d would drop committed entries through %d", from, ic.lastCommit)
	}
}

// checkSnapshot rejects a snapshot whose last entry contradicts one already
// observed as committed, then forgets the entries the snapshot covers.
func (ic *invariantChecker) checkSnapshot(lastIndex, lastTerm uint64) {
	if t, ok := ic.committed[lastIndex]; ok && t != lastTerm {
		ic.fail("snapshot ends at index %d term %d, but the committed entry there had term %d", lastIndex, lastTerm, t)
	}
	for idx := range ic.committed {
		if idx <= lastIndex {
			delete(ic.committed, idx)
		}
	}
}
