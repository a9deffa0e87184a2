package raft_test

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestClusterBasicAgreement(t *testing.T) {
	servers := 3
	c := newCluster(t, servers, true, 0)

	// The bootstrap configuration occupies index 1, so data commands land
	// at 2, 3, 4.
	for i := 1; i <= 3; i++ {
		index := c.one(fmt.Sprintf("cmd-%d", i), servers, false)
		if index != uint64(i+1) {
			t.Fatalf("command %d committed at index %d, expected %d", i, index, i+1)
		}
	}
}

func TestClusterFollowerDisconnect(t *testing.T) {
	servers := 3
	c := newCluster(t, servers, true, 0)

	c.one("pre", servers, false)

	leader := c.checkOneLeader()
	follower := c.nextID(leader)
	c.disconnect(follower)

	// Two servers are still a quorum.
	c.one("during-1", servers-1, false)
	c.one("during-2", servers-1, false)
	time.Sleep(electionTimeout)
	c.one("during-3", servers-1, false)

	// The rejoined follower catches up.
	c.connect(follower)
	c.one("after-1", servers, true)
	time.Sleep(electionTimeout)
	c.one("after-2", servers, true)
}

func TestClusterNoQuorumNoCommit(t *testing.T) {
	servers := 5
	c := newCluster(t, servers, true, 0)

	c.one("pre", servers, false)

	// Cut three of five servers off. The leader keeps accepting commands
	// but must not commit them.
	leader := c.checkOneLeader()
	d1 := c.nextID(leader)
	d2 := c.nextID(d1)
	d3 := c.nextID(d2)
	c.disconnect(d1)
	c.disconnect(d2)
	c.disconnect(d3)

	index, _, ok := c.node(leader).raft.Submit([]byte("doomed"))
	if !ok {
		t.Fatalf("leader rejected a submission")
	}
	if index != 3 {
		t.Fatalf("leader assigned index %d, expected 3", index)
	}

	time.Sleep(2 * electionTimeout)
	c.checkNoAgreement(index)

	// With the network healed the cluster converges again.
	c.connect(d1)
	c.connect(d2)
	c.connect(d3)
	c.one("final", servers, true)
}

func TestClusterConcurrentSubmits(t *testing.T) {
	servers := 3
	c := newCluster(t, servers, true, 0)

	c.one("warmup", servers, false)
	leader := c.checkOneLeader()

	type submission struct {
		index uint64
		cmd   string
		ok    bool
	}
	results := make([]submission, 5)

	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := fmt.Sprintf("concurrent-%d", i)
			index, _, ok := c.node(leader).raft.Submit([]byte(cmd))
			results[i] = submission{index: index, cmd: cmd, ok: ok}
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		if !r.ok {
			t.Fatalf("stable leader rejected %q", r.cmd)
		}
		if got := c.waitCommitted(r.index, servers, 0); got != r.cmd {
			t.Fatalf("index %d committed %q, submitted %q", r.index, got, r.cmd)
		}
	}
}

// TestClusterRejoin drives a deposed leader with uncommitted entries back
// into the cluster and checks that the conflicting suffix is replaced.
func TestClusterRejoin(t *testing.T) {
	servers := 3
	c := newCluster(t, servers, true, 0)

	c.one("101", servers, true)

	// The leader goes dark and accepts entries it can no longer commit.
	leader1 := c.checkOneLeader()
	c.disconnect(leader1)
	c.node(leader1).raft.Submit([]byte("102"))
	c.node(leader1).raft.Submit([]byte("103"))
	c.node(leader1).raft.Submit([]byte("104"))

	// The other two elect a new leader and commit at the same indexes.
	c.one("103", servers-1, true)

	// The new leader goes dark; the old one comes back with its stale
	// suffix and must adopt the committed log.
	leader2 := c.checkOneLeader()
	c.disconnect(leader2)
	c.connect(leader1)
	c.one("104", servers-1, true)

	c.connect(leader2)
	c.one("105", servers, true)
}

// TestClusterCatchUpAfterPartition repeatedly leaves a minority leader with
// a pile of uncommitted entries, then makes it adopt the majority's log.
func TestClusterCatchUpAfterPartition(t *testing.T) {
	servers := 5
	c := newCluster(t, servers, true, 0)

	c.one("base", servers, true)

	// Keep the leader and one follower, isolate the other three.
	leader1 := c.checkOneLeader()
	keep := c.nextID(leader1)
	var others []uint64
	for _, id := range c.idList() {
		if id != leader1 && id != keep {
			others = append(others, id)
		}
	}
	for _, id := range others {
		c.disconnect(id)
	}

	// Submit plenty of commands that will never commit.
	for i := 0; i < 25; i++ {
		c.node(leader1).raft.Submit([]byte(fmt.Sprintf("lost-a-%d", i)))
	}
	time.Sleep(electionTimeout / 2)

	// Flip the partition: the former majority side comes back, the old
	// leader pair goes dark.
	c.disconnect(leader1)
	c.disconnect(keep)
	for _, id := range others {
		c.connect(id)
	}

	for i := 0; i < 25; i++ {
		c.one(fmt.Sprintf("keep-a-%d", i), 3, true)
	}

	// Inside the new group, isolate one server and let the remaining
	// leader pile up more doomed entries.
	leader2 := c.checkOneLeader()
	var other uint64
	for _, id := range others {
		if id != leader2 {
			other = id
			break
		}
	}
	c.disconnect(other)

	for i := 0; i < 25; i++ {
		c.node(leader2).raft.Submit([]byte(fmt.Sprintf("lost-b-%d", i)))
	}
	time.Sleep(electionTimeout / 2)

	// Bring the original pair and the isolated server up, everyone else
	// down. They form a quorum holding the committed log.
	for _, id := range c.idList() {
		c.disconnect(id)
	}
	c.connect(leader1)
	c.connect(keep)
	c.connect(other)

	for i := 0; i < 25; i++ {
		c.one(fmt.Sprintf("keep-b-%d", i), 3, true)
	}

	for _, id := range c.idList() {
		c.connect(id)
	}
	c.one("final", servers, true)
}

func TestClusterUnreliableAgreement(t *testing.T) {
	servers := 5
	c := newCluster(t, servers, false, 0)

	for i := 1; i <= 15; i++ {
		c.one(fmt.Sprintf("batch-%d", i), 1, true)
	}
	c.one("final", servers, true)
}
