package raft_test

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"maps"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/brelvik/consensus/api"
	"github.com/brelvik/consensus/pkg/logger"
	"github.com/brelvik/consensus/raft"
	"github.com/brelvik/consensus/storage"
	"github.com/brelvik/consensus/wire"
)

var (
	errUnreachable = errors.New("sim: peer unreachable")
	errDropped     = errors.New("sim: message dropped")
)

// simNet is an in-process network between cluster nodes. Every RPC
// round-trips through the wire encoding, so these tests exercise the codec
// along with the consensus core. Nodes can be disconnected (both directions
// go dark) and, in unreliable mode, messages and replies are randomly
// delayed and dropped.
type simNet struct {
	mu         sync.Mutex
	handlers   map[uint64]api.RPCHandler
	connected  map[uint64]bool
	unreliable bool
}

func newSimNet() *simNet {
	return &simNet{
		handlers:  make(map[uint64]api.RPCHandler),
		connected: make(map[uint64]bool),
	}
}

func (sn *simNet) register(id uint64, h api.RPCHandler) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	sn.handlers[id] = h
	sn.connected[id] = true
}

func (sn *simNet) remove(id uint64) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	delete(sn.handlers, id)
	sn.connected[id] = false
}

func (sn *simNet) setConnected(id uint64, up bool) {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	sn.connected[id] = up
}

func (sn *simNet) isConnected(id uint64) bool {
	sn.mu.Lock()
	defer sn.mu.Unlock()
	return sn.connected[id]
}

func (sn *simNet) rpc(ctx context.Context, from, to uint64, op wire.Opcode, req, resp wire.Message) error {
	sn.mu.Lock()
	h := sn.handlers[to]
	reachable := sn.connected[from] && sn.connected[to] && h != nil
	unreliable := sn.unreliable
	sn.mu.Unlock()

	if !reachable {
		return errUnreachable
	}
	if unreliable {
		time.Sleep(time.Duration(rand.Intn(25)) * time.Millisecond)
		if rand.Intn(10) == 0 {
			return errDropped
		}
	}

	data, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	decoded := wire.NewRequest(op)
	if err := decoded.UnmarshalBinary(data); err != nil {
		return err
	}

	out, err := h.HandleRPC(ctx, op, decoded)
	if err != nil {
		return err
	}
	outData, err := out.MarshalBinary()
	if err != nil {
		return err
	}
	if unreliable && rand.Intn(10) == 0 {
		return errDropped
	}
	return resp.UnmarshalBinary(outData)
}

// simTransport adapts simNet to the transport contract for one node.
type simTransport struct {
	net *simNet
	own uint64
}

func (st *simTransport) SendRequestVote(
	ctx context.Context, to uint64, req *wire.RequestVoteRequest) (*wire.RequestVoteResponse, error) {
	resp := &wire.RequestVoteResponse{}
	if err := st.net.rpc(ctx, st.own, to, wire.OpRequestVote, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (st *simTransport) SendAppendEntries(
	ctx context.Context, to uint64, req *wire.AppendEntriesRequest) (*wire.AppendEntriesResponse, error) {
	resp := &wire.AppendEntriesResponse{}
	if err := st.net.rpc(ctx, st.own, to, wire.OpAppendEntries, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (st *simTransport) SendAppendSnapshotChunk(
	ctx context.Context, to uint64, req *wire.AppendSnapshotChunkRequest) (*wire.AppendSnapshotChunkResponse, error) {
	resp := &wire.AppendSnapshotChunkResponse{}
	if err := st.net.rpc(ctx, st.own, to, wire.OpAppendSnapshotChunk, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (st *simTransport) UpdatePeers([]wire.Server) {}

func (st *simTransport) Close() error { return nil }

// machineState is the state machine the cluster tests run on top of the
// nodes: the full history of applied data commands plus a single register
// written by "put:" commands. Snapshots carry the whole state, so a node
// restored from one can still answer for old indexes.
type machineState struct {
	Applied  map[uint64]string
	Register string
}

func encodeMachine(st machineState) []byte {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func decodeMachine(data []byte) (machineState, error) {
	var st machineState
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&st)
	return st, err
}

// clusterNode is one incarnation of a server: the consensus node, its
// store, and the state machine fed by its apply channel. A restart builds a
// fresh clusterNode around the surviving store.
type clusterNode struct {
	id    uint64
	store *storage.MemStore

	raft        api.Raft
	applierDone chan struct{}

	mu          sync.Mutex
	running     bool
	applied     map[uint64]string
	registerAt  map[uint64]string
	register    string
	lastApplied uint64
	applyErr    string
}

func (n *clusterNode) isRunning() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

func (n *clusterNode) fail(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.applyErr == "" {
		n.applyErr = msg
	}
}

type cluster struct {
	t         *testing.T
	net       *simNet
	clusterID string

	// snapEvery > 0 makes every node snapshot its state machine after
	// each multiple of snapEvery applied data indexes.
	snapEvery int
	chunk     int

	mu    sync.Mutex
	ids   []uint64
	nodes map[uint64]*clusterNode
}

// newCluster boots n servers with ids 1..n, each bootstrapped into the same
// founding configuration on its own in-memory store.
func newCluster(t *testing.T, n int, reliable bool, snapEvery int) *cluster {
	t.Helper()
	c := &cluster{
		t:         t,
		net:       newSimNet(),
		clusterID: uuid.NewString(),
		snapEvery: snapEvery,
		chunk:     512,
		nodes:     make(map[uint64]*clusterNode),
	}
	c.net.unreliable = !reliable

	founding := make([]uint64, 0, n)
	for id := uint64(1); id <= uint64(n); id++ {
		founding = append(founding, id)
	}
	for _, id := range founding {
		store := storage.NewMemStore()
		require.NoError(t, raft.Bootstrap(store, serverList(founding...), c.clusterID))
		c.ids = append(c.ids, id)
		c.startNode(id, store)
	}
	t.Cleanup(c.shutdown)
	return c
}

func serverList(ids ...uint64) []wire.Server {
	out := make([]wire.Server, 0, len(ids))
	for _, id := range ids {
		out = append(out, wire.Server{ID: id, Address: "sim"})
	}
	return out
}

func (c *cluster) startNode(id uint64, store *storage.MemStore) {
	c.t.Helper()

	cfg := raft.TestConfig()
	cfg.ClusterID = c.clusterID
	cfg.Snapshots.ChunkBytes = c.chunk

	applyCh := make(chan *api.ApplyMessage)
	node, err := raft.NewNodeBuilder(id, applyCh, &simTransport{net: c.net, own: id}).
		WithConfig(cfg).
		WithStore(store).
		WithLogger(logger.NewNopLogger()).
		Build()
	require.NoError(c.t, err)
	require.NoError(c.t, node.Start())

	n := &clusterNode{
		id:          id,
		store:       store,
		raft:        node,
		applierDone: make(chan struct{}),
		running:     true,
		applied:     make(map[uint64]string),
		registerAt:  make(map[uint64]string),
	}
	go c.runApplier(n, applyCh)
	c.net.register(id, node.(api.RPCHandler))

	c.mu.Lock()
	c.nodes[id] = n
	c.mu.Unlock()
}

// runApplier consumes one node's apply channel until the node stops and the
// core closes it. Snapshot boundaries are held back until the next message
// arrives: the core marks an index applied only after delivering it, and a
// snapshot may not run ahead of the applied index.
func (c *cluster) runApplier(n *clusterNode, applyCh chan *api.ApplyMessage) {
	defer close(n.applierDone)

	var pendingIndex uint64
	var pendingState []byte

	for m := range applyCh {
		if pendingState != nil && !m.SnapshotValid {
			_ = n.raft.Snapshot(pendingIndex, pendingState)
			pendingIndex, pendingState = 0, nil
		}

		switch {
		case m.SnapshotValid:
			st, err := decodeMachine(m.Snapshot)
			if err != nil {
				n.fail(fmt.Sprintf("server %d: undecodable snapshot payload: %v", n.id, err))
				continue
			}
			n.mu.Lock()
			n.applied = st.Applied
			n.register = st.Register
			n.lastApplied = m.SnapshotIndex
			n.mu.Unlock()
			pendingIndex, pendingState = 0, nil

		case m.CommandValid:
			n.mu.Lock()
			if m.CommandIndex != n.lastApplied+1 {
				msg := fmt.Sprintf("server %d applied index %d after %d", n.id, m.CommandIndex, n.lastApplied)
				n.mu.Unlock()
				n.fail(msg)
				continue
			}
			n.lastApplied = m.CommandIndex
			if m.CommandType == wire.EntryData {
				cmd := string(m.Command)
				n.applied[m.CommandIndex] = cmd
				if v, ok := strings.CutPrefix(cmd, "put:"); ok {
					n.register = v
				}
				n.registerAt[m.CommandIndex] = n.register
			}
			snap := c.snapEvery > 0 && m.CommandIndex%uint64(c.snapEvery) == 0
			var state []byte
			if snap {
				state = encodeMachine(machineState{
					Applied:  maps.Clone(n.applied),
					Register: n.register,
				})
			}
			n.mu.Unlock()
			if snap {
				pendingIndex, pendingState = m.CommandIndex, state
			}
		}
	}
}

func (c *cluster) node(id uint64) *clusterNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[id]
}

func (c *cluster) idList() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.ids)
}

func (c *cluster) disconnect(id uint64) { c.net.setConnected(id, false) }
func (c *cluster) connect(id uint64)    { c.net.setConnected(id, true) }

// crash stops a server and takes it off the network. Its store survives for
// a later restart.
func (c *cluster) crash(id uint64) {
	c.t.Helper()
	n := c.node(id)
	if n == nil || !n.isRunning() {
		return
	}
	c.net.remove(id)
	_ = n.raft.Stop()
	<-n.applierDone
	n.mu.Lock()
	n.running = false
	n.mu.Unlock()
}

// restart rebuilds a server on top of the store its previous incarnation
// left behind.
func (c *cluster) restart(id uint64) {
	c.t.Helper()
	n := c.node(id)
	c.crash(id)
	c.startNode(id, n.store)
}

func (c *cluster) shutdown() {
	for _, id := range c.idList() {
		c.crash(id)
	}
}

// checkOneLeader waits until the connected servers settle on exactly one
// leader in the newest term and returns its id.
func (c *cluster) checkOneLeader() uint64 {
	c.t.Helper()
	for iters := 0; iters < 10; iters++ {
		ms := 450 + rand.Int63n(100)
		time.Sleep(time.Duration(ms) * time.Millisecond)

		leaders := make(map[uint64][]uint64)
		for _, id := range c.idList() {
			n := c.node(id)
			if !n.isRunning() || !c.net.isConnected(id) {
				continue
			}
			if term, isLeader := n.raft.State(); isLeader {
				leaders[term] = append(leaders[term], id)
			}
		}

		var lastTerm uint64
		for term, ids := range leaders {
			if len(ids) > 1 {
				c.t.Fatalf("term %d has %d (>1) leaders: %v", term, len(ids), ids)
			}
			lastTerm = max(lastTerm, term)
		}
		if len(leaders) > 0 {
			return leaders[lastTerm][0]
		}
	}
	c.t.Fatalf("expected one leader, got none")
	return 0
}

func (c *cluster) checkNoLeader() {
	c.t.Helper()
	for _, id := range c.idList() {
		n := c.node(id)
		if !n.isRunning() || !c.net.isConnected(id) {
			continue
		}
		if _, isLeader := n.raft.State(); isLeader {
			c.t.Fatalf("server %d is an unexpected leader", id)
		}
	}
}

// checkTerms verifies the connected servers agree on the term and returns
// it.
func (c *cluster) checkTerms() uint64 {
	c.t.Helper()
	var term uint64
	for _, id := range c.idList() {
		n := c.node(id)
		if !n.isRunning() || !c.net.isConnected(id) {
			continue
		}
		t, _ := n.raft.State()
		if term == 0 {
			term = t
		} else if term != t {
			c.t.Fatalf("servers disagree on term: %d vs %d", term, t)
		}
	}
	return term
}

// nCommitted reports how many servers have applied the data entry at index,
// and what value they applied. Divergent values are fatal.
func (c *cluster) nCommitted(index uint64) (int, string) {
	c.t.Helper()
	count := 0
	var cmd string
	for _, id := range c.idList() {
		n := c.node(id)
		n.mu.Lock()
		applyErr := n.applyErr
		v, ok := n.applied[index]
		n.mu.Unlock()
		if applyErr != "" {
			c.t.Fatalf("apply error: %s", applyErr)
		}
		if ok {
			if count > 0 && v != cmd {
				c.t.Fatalf("committed values at index %d differ: %q vs %q", index, cmd, v)
			}
			count++
			cmd = v
		}
	}
	return count, cmd
}

func (c *cluster) checkNoAgreement(index uint64) {
	c.t.Helper()
	if n, _ := c.nCommitted(index); n > 0 {
		c.t.Fatalf("%d server(s) committed index %d without a majority", n, index)
	}
}

// one submits a command until at least expected servers have applied it and
// returns the index it committed at. With retry false, a submission whose
// agreement is not observed in time is fatal instead of resubmitted.
// Call it from the test goroutine only.
func (c *cluster) one(cmd string, expected int, retry bool) uint64 {
	c.t.Helper()
	t0 := time.Now()
	for time.Since(t0) < 10*time.Second {
		var index uint64
		for _, id := range c.idList() {
			n := c.node(id)
			if n == nil || !n.isRunning() || !c.net.isConnected(id) {
				continue
			}
			if idx, _, ok := n.raft.Submit([]byte(cmd)); ok {
				index = idx
				break
			}
		}

		if index == 0 {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		t1 := time.Now()
		for time.Since(t1) < 2*time.Second {
			if nd, v := c.nCommitted(index); nd >= expected && v == cmd {
				return index
			}
			time.Sleep(20 * time.Millisecond)
		}
		if !retry {
			c.t.Fatalf("one(%q) failed to reach agreement", cmd)
		}
	}
	c.t.Fatalf("one(%q) failed to reach agreement", cmd)
	return 0
}

// waitCommitted blocks until at least n servers applied index. A startTerm
// above zero turns the wait best-effort: once any server moves past that
// term the outcome is no longer guaranteed and the wait gives up.
func (c *cluster) waitCommitted(index uint64, n int, startTerm uint64) string {
	c.t.Helper()
	to := 10 * time.Millisecond
	for iters := 0; iters < 30; iters++ {
		if nd, _ := c.nCommitted(index); nd >= n {
			break
		}
		time.Sleep(to)
		if to < time.Second {
			to *= 2
		}
		if startTerm > 0 {
			for _, id := range c.idList() {
				if t, _ := c.node(id).raft.State(); t > startTerm {
					return ""
				}
			}
		}
	}
	nd, cmd := c.nCommitted(index)
	if nd < n {
		c.t.Fatalf("only %d servers applied index %d; wanted %d", nd, index, n)
	}
	return cmd
}

// changeConfiguration drives a membership change through the current
// leader, retrying across leadership and pipeline conflicts until a leader
// accepts it.
func (c *cluster) changeConfiguration(target []wire.Server) {
	c.t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		leader := c.checkOneLeader()
		err := c.node(leader).raft.ChangeConfiguration(target)
		if err == nil {
			return
		}
		if errors.Is(err, api.ErrNotLeader) || errors.Is(err, api.ErrConfigurationInFlight) {
			time.Sleep(100 * time.Millisecond)
			continue
		}
		c.t.Fatalf("configuration change failed: %v", err)
	}
	c.t.Fatalf("configuration change not accepted before deadline")
}

// addServer boots a fresh, un-bootstrapped server. It stays passive until a
// configuration change brings it in.
func (c *cluster) addServer(id uint64) {
	c.t.Helper()
	c.mu.Lock()
	c.ids = append(c.ids, id)
	c.mu.Unlock()
	c.startNode(id, storage.NewMemStore())
}

// appliedValue returns the command node id has applied at index, or "" if
// it has not reached that index.
func (c *cluster) appliedValue(id, index uint64) string {
	n := c.node(id)
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.applied[index]
}

// nextID returns the id after the given one, wrapping around the founding
// id space.
func (c *cluster) nextID(id uint64) uint64 {
	n := uint64(len(c.idList()))
	return id%n + 1
}

// firstStoredIndex returns the index of the oldest log entry a server still
// holds, or zero while the log is empty.
func (c *cluster) firstStoredIndex(id uint64) uint64 {
	c.t.Helper()
	first, entries, err := c.node(id).store.LoadEntries()
	require.NoError(c.t, err)
	if len(entries) == 0 {
		return 0
	}
	return first
}
