package raft

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brelvik/consensus/pkg/logger"
)

func newChecker() *invariantChecker {
	return newInvariantChecker(logger.NewNopLogger())
}

func anyTerm(uint64) (uint64, bool) { return 1, true }

func TestInvariantTermMonotonic(t *testing.T) {
	ic := newChecker()
	ic.checkMetadata(2, 0)
	ic.checkMetadata(2, 0)
	ic.checkMetadata(3, 0)

	require.Panics(t, func() { ic.checkMetadata(1, 0) })
}

func TestInvariantOneVotePerTerm(t *testing.T) {
	ic := newChecker()
	ic.checkMetadata(2, 5)
	// Re-persisting the same vote is fine.
	ic.checkMetadata(2, 5)
	// A new term opens a new ballot.
	ic.checkMetadata(3, 6)

	require.Panics(t, func() { ic.checkMetadata(3, 7) })
}

func TestInvariantRoleTransitions(t *testing.T) {
	ic := newChecker()
	ic.checkTransition(follower, candidate, 1, 2)
	ic.checkTransition(candidate, leader, 2, 2)
	ic.checkTransition(leader, follower, 2, 3)
	ic.checkTransition(candidate, candidate, 2, 3)

	require.Panics(t, func() { ic.checkTransition(follower, leader, 1, 2) })
	require.Panics(t, func() { ic.checkTransition(leader, candidate, 2, 3) })
	require.Panics(t, func() { ic.checkTransition(candidate, follower, 3, 2) })
}

func TestInvariantCommitMonotonic(t *testing.T) {
	ic := newChecker()
	ic.observeCommit(5, anyTerm)
	ic.observeCommit(5, anyTerm)
	ic.observeCommit(7, anyTerm)

	require.Panics(t, func() { ic.observeCommit(3, anyTerm) })
}

func TestInvariantTruncationSparesCommitted(t *testing.T) {
	ic := newChecker()
	ic.observeCommit(5, anyTerm)

	ic.checkTruncate(6)
	require.Panics(t, func() { ic.checkTruncate(5) })
	require.Panics(t, func() { ic.checkTruncate(1) })
}

func TestInvariantSnapshotAgreesWithCommits(t *testing.T) {
	ic := newChecker()
	ic.observeCommit(5, anyTerm)

	// A snapshot claiming a different term for a committed entry is the
	// committed-then-overwritten corruption.
	require.Panics(t, func() { ic.checkSnapshot(3, 9) })

	ic = newChecker()
	ic.observeCommit(5, anyTerm)
	ic.checkSnapshot(3, 1)
	// Covered fingerprints are forgotten, entries past the snapshot are not.
	require.NotContains(t, ic.committed, uint64(3))
	require.Contains(t, ic.committed, uint64(4))
}

func TestInvariantFailureMessage(t *testing.T) {
	ic := newChecker()
	ic.observeCommit(2, anyTerm)

	require.PanicsWithValue(t,
		"invariant violated: commit index moved backwards from 2 to 1",
		func() { ic.observeCommit(1, anyTerm) },
	)
}
