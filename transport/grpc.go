// Package transport carries the consensus protocol over gRPC. Messages
// travel in their own binary encoding through a custom codec, and the
// service is registered by hand, so the wire package stays the single
// source of message layout.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/brelvik/consensus/api"
	"github.com/brelvik/consensus/internal/cbreaker"
	"github.com/brelvik/consensus/internal/retry"
	"github.com/brelvik/consensus/pkg/logger"
	"github.com/brelvik/consensus/wire"
)

var _ api.Transport = (*GRPC)(nil)

// GRPC sends RPCs to peers over per-peer client connections. The peer set
// follows the cluster configuration through UpdatePeers; each connection
// carries a circuit breaker so an unreachable peer fails fast instead of
// eating a timeout on every heartbeat.
type GRPC struct {
	ownID  uint64
	cfg    *api.Config
	logger *slog.Logger

	mu    sync.Mutex
	peers map[uint64]*peer
}

type peer struct {
	id      uint64
	addr    string
	conn    *grpc.ClientConn
	breaker *cbreaker.CircuitBreaker

	mu         sync.Mutex
	negotiated bool
}

func NewGRPC(ownID uint64, cfg *api.Config, log *slog.Logger) *GRPC {
	return &GRPC{
		ownID:  ownID,
		cfg:    cfg,
		logger: log,
		peers:  make(map[uint64]*peer),
	}
}

// UpdatePeers reconciles the connection set with the given servers: new
// peers are dialed, removed or re-addressed ones are closed. Dialing is
// lazy, so this never blocks on the network.
func (g *GRPC) UpdatePeers(servers []wire.Server) {
	g.mu.Lock()
	defer g.mu.Unlock()

	want := make(map[uint64]string, len(servers))
	for _, s := range servers {
		want[s.ID] = s.Address
	}

	for id, p := range g.peers {
		if addr, ok := want[id]; ok && addr == p.addr {
			continue
		}
		if err := p.conn.Close(); err != nil {
			g.logger.Warn("failed to close peer connection", "peer_id", id, logger.ErrAttr(err))
		}
		delete(g.peers, id)
	}

	for id, addr := range want {
		if id == g.ownID {
			continue
		}
		if _, ok := g.peers[id]; ok {
			continue
		}
		p, err := g.dial(id, addr)
		if err != nil {
			g.logger.Error("failed to set up peer client", "peer_id", id, "addr", addr, logger.ErrAttr(err))
			continue
		}
		g.peers[id] = p
	}
}

func (g *GRPC) dial(id uint64, addr string) (*peer, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	b := g.cfg.Breaker
	return &peer{
		id:      id,
		addr:    addr,
		conn:    conn,
		breaker: cbreaker.New(b.FailureThreshold, b.SuccessThreshold, b.ResetTimeout),
	}, nil
}

func (g *GRPC) SendRequestVote(
	ctx context.Context, to uint64, req *wire.RequestVoteRequest) (*wire.RequestVoteResponse, error) {
	resp, err := g.call(ctx, to, wire.OpRequestVote, req)
	if err != nil {
		return nil, err
	}
	return resp.(*wire.RequestVoteResponse), nil
}

func (g *GRPC) SendAppendEntries(
	ctx context.Context, to uint64, req *wire.AppendEntriesRequest) (*wire.AppendEntriesResponse, error) {
	resp, err := g.call(ctx, to, wire.OpAppendEntries, req)
	if err != nil {
		return nil, err
	}
	return resp.(*wire.AppendEntriesResponse), nil
}

func (g *GRPC) SendAppendSnapshotChunk(
	ctx context.Context, to uint64, req *wire.AppendSnapshotChunkRequest) (*wire.AppendSnapshotChunkResponse, error) {
	resp, err := g.call(ctx, to, wire.OpAppendSnapshotChunk, req)
	if err != nil {
		return nil, err
	}
	return resp.(*wire.AppendSnapshotChunkResponse), nil
}

func (g *GRPC) call(ctx context.Context, to uint64, op wire.Opcode, req wire.Message) (wire.Message, error) {
	p, err := g.peerFor(to)
	if err != nil {
		return nil, err
	}
	if err := g.negotiate(ctx, p); err != nil {
		return nil, err
	}
	return cbreaker.Do(ctx, p.breaker, func(ctx context.Context) (wire.Message, error) {
		resp := wire.NewResponse(op)
		if err := p.conn.Invoke(ctx, methodPath(op), req, resp, grpc.CallContentSubtype(codecName)); err != nil {
			return nil, fmt.Errorf("transport: %s to peer %d: %w", op, to, err)
		}
		return resp, nil
	})
}

func (g *GRPC) peerFor(to uint64) (*peer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.peers[to]
	if !ok {
		return nil, fmt.Errorf("transport: unknown peer %d", to)
	}
	return p, nil
}

// negotiate checks protocol version overlap once per connection. A failed
// probe leaves the peer unnegotiated, so the next call probes again.
func (g *GRPC) negotiate(ctx context.Context, p *peer) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.negotiated {
		return nil
	}

	probe := &wire.GetSupportedRPCVersionsRequest{ServerID: g.ownID, RecipientID: p.id}
	resp := &wire.GetSupportedRPCVersionsResponse{}
	err := retry.Do(ctx, func(ctx context.Context) error {
		return p.conn.Invoke(ctx,
			methodPath(wire.OpGetSupportedRPCVersions), probe, resp, grpc.CallContentSubtype(codecName))
	}, retry.WithMaxAttempts(2))
	if err != nil {
		return fmt.Errorf("transport: version probe to peer %d: %w", p.id, err)
	}

	if resp.MinVersion > wire.MaxRPCVersion || resp.MaxVersion < wire.MinRPCVersion {
		return fmt.Errorf("transport: no common rpc version with peer %d: ours %d..%d, theirs %d..%d",
			p.id, wire.MinRPCVersion, wire.MaxRPCVersion, resp.MinVersion, resp.MaxVersion)
	}
	p.negotiated = true
	g.logger.Debug("rpc version negotiated",
		"peer_id", p.id, "min_version", resp.MinVersion, "max_version", resp.MaxVersion)
	return nil
}

func (g *GRPC) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var err error
	for id, p := range g.peers {
		if cerr := p.conn.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("peer %d: %w", id, cerr))
		}
		delete(g.peers, id)
	}
	return err
}
