package api

import (
	"log/slog"
	"time"

	"github.com/brelvik/consensus/pkg/logger"
)

type Config struct {
	Log       LoggerCfg
	Timings   Timings
	Breaker   BreakerCfg
	Snapshots SnapshotsCfg

	// MaxEntriesPerRequest caps how many log entries one AppendEntries
	// request may carry.
	MaxEntriesPerRequest int

	// CommitNoop controls whether a new leader appends a no-op entry for
	// its term on accession.
	CommitNoop bool

	// MonitoringAddr, when non-empty, serves a JSON /status endpoint.
	MonitoringAddr string

	// DataDir is where the builder places the default store when none is
	// provided.
	DataDir string

	// ClusterID, when non-empty, must match the cluster id recorded in
	// the store.
	ClusterID string
}

type LoggerCfg struct {
	Env logger.Environment
}

type Timings struct {
	ElectionTimeoutBase   time.Duration
	ElectionTimeoutJitter time.Duration
	HeartbeatInterval     time.Duration
	RPCTimeout            time.Duration
	ShutdownTimeout       time.Duration
}

type BreakerCfg struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration
}

type SnapshotsCfg struct {
	// ChunkBytes is the size of each snapshot transfer chunk.
	ChunkBytes int
}

// NodeBuilder constructs a Raft node.
type NodeBuilder interface {
	// Build constructs the node from the components provided so far,
	// filling in defaults for the rest.
	Build() (Raft, error)

	// WithConfig sets the node configuration. Defaults to DefaultConfig.
	WithConfig(*Config) NodeBuilder

	// WithStore sets the LogStore. Defaults to a bbolt store under the
	// configured data directory.
	WithStore(LogStore) NodeBuilder

	// WithLogger sets the logger. Defaults to a JSON logger configured
	// from the Log environment.
	WithLogger(*slog.Logger) NodeBuilder
}
