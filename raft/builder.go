package raft

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/brelvik/consensus/api"
	"github.com/brelvik/consensus/pkg/logger"
	"github.com/brelvik/consensus/storage"
	"github.com/brelvik/consensus/wire"
)

type nodeBuilder struct {
	// required
	id        uint64
	applyCh   chan *api.ApplyMessage
	transport api.Transport

	// optional with defaults
	cfg    *api.Config
	store  api.LogStore
	logger *slog.Logger
}

func NewNodeBuilder(
	id uint64,
	applyCh chan *api.ApplyMessage,
	transport api.Transport,
) api.NodeBuilder {
	return &nodeBuilder{
		id:        id,
		applyCh:   applyCh,
		transport: transport,
		cfg:       DefaultConfig(),
	}
}

func (nb *nodeBuilder) Build() (api.Raft, error) {
	if nb.id == 0 {
		return nil, fmt.Errorf("builder: server id must be non-zero")
	}
	ctx, cancel := context.WithCancel(context.Background())

	log := nb.logger
	if log == nil {
		log = logger.NewLogger(nb.cfg.Log.Env, false).With(slog.Uint64("me", nb.id))
	}

	store := nb.store
	ownsStore := false
	if store == nil {
		dir := nb.cfg.DataDir
		if dir == "" {
			dir = fmt.Sprintf("data-%d", nb.id)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			cancel()
			return nil, fmt.Errorf("builder: failed to create data dir: %w", err)
		}
		s, err := storage.NewBoltStore(filepath.Join(dir, "raft.db"))
		if err != nil {
			cancel()
			return nil, fmt.Errorf("builder: failed to open default store: %w", err)
		}
		store = s
		ownsStore = true
	}

	rf := &Raft{
		id:                     nb.id,
		transport:              nb.transport,
		store:                  store,
		ownsStore:              ownsStore,
		cfg:                    nb.cfg,
		logger:                 log,
		applyChan:              nb.applyCh,
		signalApplierChan:      make(chan struct{}, 1),
		resetElectionTimerCh:   make(chan struct{}, 1),
		resetHeartbeatTickerCh: make(chan struct{}, 1),
		progress:               make(map[uint64]*progress),
		raftCtx:                ctx,
		raftCancel:             cancel,
	}
	rf.invariants = newInvariantChecker(log)
	return rf, nil
}

func (nb *nodeBuilder) WithConfig(cfg *api.Config) api.NodeBuilder {
	nb.cfg = cfg
	return nb
}

func (nb *nodeBuilder) WithStore(s api.LogStore) api.NodeBuilder {
	nb.store = s
	return nb
}

func (nb *nodeBuilder) WithLogger(l *slog.Logger) api.NodeBuilder {
	nb.logger = l
	return nb
}

// Bootstrap seeds an empty store with the founding membership: metadata at
// term 1 plus a configuration entry at index 1. Run it before a founding
// server's first start, with the same server list on each one. A server left
// un-bootstrapped stays passive until a leader replicates the configuration
// to it.
func Bootstrap(store api.LogStore, servers []wire.Server, clusterID string) error {
	if len(servers) == 0 {
		return fmt.Errorf("bootstrap: no servers")
	}

	md, err := store.LoadMetadata()
	if err != nil {
		return fmt.Errorf("bootstrap: load metadata: %w", err)
	}
	_, entries, err := store.LoadEntries()
	if err != nil {
		return fmt.Errorf("bootstrap: load log: %w", err)
	}
	sm, err := store.SnapshotMeta()
	if err != nil {
		return fmt.Errorf("bootstrap: load snapshot metadata: %w", err)
	}
	if md.CurrentTerm != 0 || len(entries) > 0 || sm.LastIndex != 0 {
		return api.ErrStoreNotEmpty
	}

	cfg := &wire.Configuration{
		Prev: wire.SimpleConfiguration{
			Servers: append([]wire.Server(nil), servers...),
		},
	}
	if err := store.AppendEntries(1, []*wire.Entry{{
		Term:          1,
		Type:          wire.EntryConfiguration,
		Configuration: cfg,
	}}); err != nil {
		return fmt.Errorf("bootstrap: append configuration: %w", err)
	}
	if err := store.StoreMetadata(api.Metadata{CurrentTerm: 1, ClusterID: clusterID}); err != nil {
		return fmt.Errorf("bootstrap: store metadata: %w", err)
	}
	return nil
}
