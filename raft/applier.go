package raft

import (
	"github.com/brelvik/consensus/api"
	"github.com/brelvik/consensus/pkg/logger"
	"github.com/brelvik/consensus/wire"
)

// applier delivers committed entries to the application in the background.
// Every committed entry is delivered, including noop and configuration
// entries; consumers decide by CommandType what to interpret.
func (rf *Raft) applier() {
	defer func() {
		close(rf.applyChan)
		rf.wg.Done()
	}()

	for {
		select {
		case <-rf.raftCtx.Done():
			return
		case <-rf.signalApplierChan:
			for {
				rf.mu.Lock()
				if rf.lastApplied >= rf.commitIndex || rf.Killed() {
					rf.mu.Unlock()
					break
				}

				var msg api.ApplyMessage
				if rf.lastApplied < rf.log.snapIndex {
					rf.logger.Info("delivering snapshot to state machine", "index", rf.log.snapIndex)

					data, err := rf.store.ReadSnapshot()
					if err != nil {
						rf.logger.Warn("failed to read snapshot", logger.ErrAttr(err))
						rf.mu.Unlock()
						break
					}
					_, payload, err := wire.DecodeSnapshot(data)
					if err != nil {
						rf.logger.Warn("failed to decode snapshot stream", logger.ErrAttr(err))
						rf.mu.Unlock()
						break
					}

					msg = api.ApplyMessage{
						SnapshotValid: true,
						Snapshot:      payload,
						SnapshotIndex: rf.log.snapIndex,
						SnapshotTerm:  rf.log.snapTerm,
					}
				} else {
					applyIdx := rf.lastApplied + 1
					e := rf.log.entry(applyIdx)
					rf.logger.Debug("delivering entry to state machine", "index", applyIdx, "type", e.Type.String())
					msg = api.ApplyMessage{
						CommandValid: true,
						Command:      e.Data,
						CommandIndex: applyIdx,
						CommandTerm:  e.Term,
						CommandType:  e.Type,
					}
				}
				rf.mu.Unlock()

				select {
				case <-rf.raftCtx.Done():
					return
				case rf.applyChan <- &msg:
				}

				rf.mu.Lock()
				if msg.SnapshotValid {
					rf.lastApplied = max(rf.lastApplied, msg.SnapshotIndex)
				} else {
					rf.lastApplied = max(rf.lastApplied, msg.CommandIndex)
				}
				rf.mu.Unlock()
			}
		}
	}
}

// signalApplier wakes the applier without blocking.
func (rf *Raft) signalApplier() {
	select {
	case rf.signalApplierChan <- struct{}{}:
	default:
	}
}
