package raft

import (
	"encoding/json"
	"maps"
	"net/http"
	"slices"
	"strconv"

	"github.com/brelvik/consensus/pkg/logger"
)

// status represents the raft node's status.
type status struct {
	NodeID      uint64 `json:"nodeId"`
	Role        string `json:"role"`
	CurrentTerm uint64 `json:"currentTerm"`
	VotedFor    uint64 `json:"votedFor"`
	LeaderID    uint64 `json:"leaderId"`
	CommitIndex uint64 `json:"commitIndex"`
	LastApplied uint64 `json:"lastApplied"`

	LogInfo struct {
		LastIndex uint64 `json:"lastIndex"`
		LastTerm  uint64 `json:"lastTerm"`
		Count     int    `json:"count"`
	} `json:"logInfo"`

	SnapshotInfo struct {
		LastIndex uint64 `json:"lastIndex"`
		LastTerm  uint64 `json:"lastTerm"`
	} `json:"snapshotInfo"`

	ConfigurationInfo struct {
		Index   uint64   `json:"index"`
		Joint   bool     `json:"joint"`
		Members []uint64 `json:"members"`
	} `json:"configurationInfo"`

	LeaderSpecific *leaderSpecificStatus `json:"leaderSpecific,omitempty"`
}

type leaderSpecificStatus struct {
	PeerReplicationInfo map[string]peerReplicationInfo `json:"peerReplicationInfo"`
}

type peerReplicationInfo struct {
	MatchIndex     uint64 `json:"matchIndex"`
	NextIndex      uint64 `json:"nextIndex"`
	SnapshotOffset uint64 `json:"snapshotOffset,omitempty"`
}

// statusHandler implements the http.Handler interface.
type statusHandler struct {
	rf *Raft
}

func (h *statusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s := h.getStatus()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		h.rf.logger.Warn("failed to encode status for monitoring", logger.ErrAttr(err))
		http.Error(w, "failed to encode status", http.StatusInternalServerError)
	}
}

// getStatus collects the current status from the Raft instance.
func (h *statusHandler) getStatus() status {
	h.rf.mu.Lock()
	defer h.rf.mu.Unlock()

	lastLogIdx, lastLogTerm := h.rf.log.lastIndexAndTerm()
	s := status{
		NodeID:      h.rf.id,
		Role:        roleToString(h.rf.role),
		CurrentTerm: h.rf.curTerm,
		VotedFor:    h.rf.votedFor,
		LeaderID:    h.rf.leaderID,
		CommitIndex: h.rf.commitIndex,
		LastApplied: h.rf.lastApplied,
	}
	s.LogInfo.LastIndex = lastLogIdx
	s.LogInfo.LastTerm = lastLogTerm
	s.LogInfo.Count = len(h.rf.log.entries)
	s.SnapshotInfo.LastIndex = h.rf.log.snapIndex
	s.SnapshotInfo.LastTerm = h.rf.log.snapTerm
	s.ConfigurationInfo.Index = h.rf.configIndex
	s.ConfigurationInfo.Joint = h.rf.config.Joint()
	s.ConfigurationInfo.Members = slices.Sorted(maps.Keys(h.rf.memberSet()))

	if h.rf.isRole(leader) {
		s.LeaderSpecific = &leaderSpecificStatus{
			PeerReplicationInfo: make(map[string]peerReplicationInfo),
		}
		for id, p := range h.rf.progress {
			info := peerReplicationInfo{
				MatchIndex: p.matchIndex,
				NextIndex:  p.nextIndex,
			}
			if p.snap != nil {
				info.SnapshotOffset = p.snap.offset
			}
			s.LeaderSpecific.PeerReplicationInfo[strconv.FormatUint(id, 10)] = info
		}
	}

	return s
}

// startMonitoringServer starts the HTTP server for monitoring.
func (rf *Raft) startMonitoringServer() {
	if rf.cfg.MonitoringAddr == "" {
		return
	}

	rf.logger.Info("starting monitoring server", "addr", rf.cfg.MonitoringAddr)

	mux := http.NewServeMux()
	mux.Handle("/status", &statusHandler{rf: rf})

	rf.monitoringServer = &http.Server{
		Addr:    rf.cfg.MonitoringAddr,
		Handler: mux,
	}

	rf.wg.Go(func() {
		if err := rf.monitoringServer.ListenAndServe(); err != http.ErrServerClosed {
			rf.logger.Error("monitoring server failed", logger.ErrAttr(err))
		}
	})
}
