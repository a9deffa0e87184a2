package raft

import (
	"context"
	"fmt"

	"github.com/brelvik/consensus/api"
	"github.com/brelvik/consensus/wire"
)

var _ api.RPCHandler = (*Raft)(nil)

type rpcHandler func(rf *Raft, req wire.Message) (wire.Message, error)

func typed[Req wire.Message, Resp wire.Message](op wire.Opcode, handle func(rf *Raft, req Req) Resp) rpcHandler {
	return func(rf *Raft, req wire.Message) (wire.Message, error) {
		r, ok := req.(Req)
		if !ok {
			return nil, fmt.Errorf("%s: unexpected request type %T", op, req)
		}
		return handle(rf, r), nil
	}
}

var rpcHandlers = map[wire.Opcode]rpcHandler{
	wire.OpGetSupportedRPCVersions: typed(wire.OpGetSupportedRPCVersions, (*Raft).handleGetSupportedRPCVersions),
	wire.OpRequestVote:             typed(wire.OpRequestVote, (*Raft).handleRequestVote),
	wire.OpAppendEntries:           typed(wire.OpAppendEntries, (*Raft).handleAppendEntries),
	wire.OpAppendSnapshotChunk:     typed(wire.OpAppendSnapshotChunk, (*Raft).handleAppendSnapshotChunk),
}

// HandleRPC routes a decoded request to the handler for its opcode.
func (rf *Raft) HandleRPC(_ context.Context, op wire.Opcode, req wire.Message) (wire.Message, error) {
	h, ok := rpcHandlers[op]
	if !ok {
		return nil, fmt.Errorf("%w: %d", api.ErrUnknownOpcode, uint8(op))
	}
	if rf.Killed() {
		return nil, api.ErrShutdown
	}
	return h(rf, req)
}
