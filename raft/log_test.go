package raft

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brelvik/consensus/wire"
)

func mkLog(terms ...uint64) *raftLog {
	l := &raftLog{}
	l.append(dataEntries(terms...)...)
	return l
}

func TestLogIndexAccounting(t *testing.T) {
	l := &raftLog{}
	require.Zero(t, l.lastIndex())
	idx, term := l.lastIndexAndTerm()
	require.Zero(t, idx)
	require.Zero(t, term)

	l.append(dataEntries(1, 1, 2)...)
	require.Equal(t, uint64(3), l.lastIndex())
	idx, term = l.lastIndexAndTerm()
	require.Equal(t, uint64(3), idx)
	require.Equal(t, uint64(2), term)

	term, ok := l.term(0)
	require.True(t, ok)
	require.Zero(t, term)
	term, ok = l.term(2)
	require.True(t, ok)
	require.Equal(t, uint64(1), term)
	_, ok = l.term(4)
	require.False(t, ok)

	require.Nil(t, l.entry(0))
	require.Nil(t, l.entry(4))
	require.Equal(t, uint64(2), l.entry(3).Term)
}

func TestLogSlice(t *testing.T) {
	l := mkLog(1, 2, 3, 4, 5)

	out := l.slice(2, 0)
	require.Len(t, out, 4)
	require.Equal(t, uint64(2), out[0].Term)

	require.Len(t, l.slice(2, 2), 2)
	require.Nil(t, l.slice(6, 0))
	require.Nil(t, l.slice(0, 0))

	// The returned slice is the caller's to keep.
	out = l.slice(1, 0)
	out[0] = nil
	require.NotNil(t, l.entry(1))
}

func TestLogTruncateFrom(t *testing.T) {
	l := mkLog(1, 1, 1, 1, 1)

	l.truncateFrom(3)
	require.Equal(t, uint64(2), l.lastIndex())

	l.truncateFrom(7)
	require.Equal(t, uint64(2), l.lastIndex())

	l.truncateFrom(0)
	require.Zero(t, l.lastIndex())
}

func TestLogCompactTo(t *testing.T) {
	l := mkLog(1, 1, 2, 2, 3)

	l.compactTo(3, 2)
	require.Equal(t, uint64(3), l.snapIndex)
	require.Equal(t, uint64(2), l.snapTerm)
	require.Equal(t, uint64(5), l.lastIndex())

	term, ok := l.term(3)
	require.True(t, ok)
	require.Equal(t, uint64(2), term)
	_, ok = l.term(2)
	require.False(t, ok)
	require.Equal(t, uint64(2), l.entry(4).Term)

	// Compacting below the boundary is a no-op.
	l.compactTo(2, 1)
	require.Equal(t, uint64(3), l.snapIndex)

	l.compactTo(5, 3)
	require.Equal(t, uint64(5), l.snapIndex)
	require.Equal(t, uint64(5), l.lastIndex())
	idx, term := l.lastIndexAndTerm()
	require.Equal(t, uint64(5), idx)
	require.Equal(t, uint64(3), term)
}

func TestLogReset(t *testing.T) {
	l := mkLog(1, 2, 3)

	l.reset(30, 4)
	require.Equal(t, uint64(30), l.lastIndex())
	idx, term := l.lastIndexAndTerm()
	require.Equal(t, uint64(30), idx)
	require.Equal(t, uint64(4), term)
	require.Nil(t, l.entry(12))
}

func TestLogUpToDate(t *testing.T) {
	l := mkLog(1, 2) // last entry (index 2, term 2)

	tests := []struct {
		name     string
		lastIdx  uint64
		lastTerm uint64
		want     bool
	}{
		{"equal log", 2, 2, true},
		{"longer log same term", 5, 2, true},
		{"shorter log same term", 1, 2, false},
		{"higher term shorter log", 1, 3, true},
		{"lower term longer log", 9, 1, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, l.upToDate(tc.lastIdx, tc.lastTerm))
		})
	}

	fresh := &raftLog{}
	require.True(t, fresh.upToDate(0, 0))
}

func TestLogConsistent(t *testing.T) {
	l := mkLog(1, 1, 2, 2, 3)
	l.compactTo(3, 2)

	tests := []struct {
		name     string
		prevIdx  uint64
		prevTerm uint64
		want     bool
	}{
		{"below snapshot always matches", 1, 9, true},
		{"at snapshot boundary", 3, 2, true},
		{"boundary term mismatch", 3, 9, false},
		{"within tail", 5, 3, true},
		{"tail term mismatch", 5, 2, false},
		{"past the end", 6, 3, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, l.consistent(tc.prevIdx, tc.prevTerm))
		})
	}

	empty := &raftLog{}
	require.True(t, empty.consistent(0, 0))
}

func TestLogAppendFollowsCompaction(t *testing.T) {
	l := &raftLog{}
	l.reset(10, 3)
	l.append(&wire.Entry{Term: 4, Type: wire.EntryData})

	require.Equal(t, uint64(11), l.lastIndex())
	term, ok := l.term(11)
	require.True(t, ok)
	require.Equal(t, uint64(4), term)
}
