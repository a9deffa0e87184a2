package raft

import (
	"time"

	"github.com/brelvik/consensus/api"
	"github.com/brelvik/consensus/pkg/logger"
)

func DefaultConfig() *api.Config {
	return &api.Config{
		Log: api.LoggerCfg{
			Env: logger.Prod,
		},
		Timings: api.Timings{
			ElectionTimeoutBase:   150 * time.Millisecond,
			ElectionTimeoutJitter: 150 * time.Millisecond,
			HeartbeatInterval:     60 * time.Millisecond,
			RPCTimeout:            100 * time.Millisecond,
			ShutdownTimeout:       3 * time.Second,
		},
		Breaker: api.BreakerCfg{
			FailureThreshold: 6,
			SuccessThreshold: 4,
			ResetTimeout:     5 * time.Second,
		},
		Snapshots: api.SnapshotsCfg{
			ChunkBytes: 1 << 20,
		},
		MaxEntriesPerRequest: 64,
		CommitNoop:           true,
	}
}

// TestConfig keeps the timings of DefaultConfig but sends small snapshot
// chunks and skips the accession noop so tests can predict log indexes.
func TestConfig() *api.Config {
	return &api.Config{
		Log: api.LoggerCfg{
			Env: logger.Dev,
		},
		Timings: api.Timings{
			ElectionTimeoutBase:   150 * time.Millisecond,
			ElectionTimeoutJitter: 150 * time.Millisecond,
			HeartbeatInterval:     60 * time.Millisecond,
			RPCTimeout:            100 * time.Millisecond,
			ShutdownTimeout:       3 * time.Second,
		},
		Breaker: api.BreakerCfg{
			FailureThreshold: 6,
			SuccessThreshold: 4,
			ResetTimeout:     5 * time.Second,
		},
		Snapshots: api.SnapshotsCfg{
			ChunkBytes: 1024,
		},
		MaxEntriesPerRequest: 64,
		CommitNoop:           false,
	}
}
