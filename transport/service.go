package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"

	"github.com/brelvik/consensus/api"
	"github.com/brelvik/consensus/pkg/logger"
	"github.com/brelvik/consensus/wire"
)

const serviceName = "raftwire.Raft"

var methodNames = map[wire.Opcode]string{
	wire.OpGetSupportedRPCVersions: "GetSupportedRPCVersions",
	wire.OpRequestVote:             "RequestVote",
	wire.OpAppendEntries:           "AppendEntries",
	wire.OpAppendSnapshotChunk:     "AppendSnapshotChunk",
}

func methodPath(op wire.Opcode) string {
	return "/" + serviceName + "/" + methodNames[op]
}

// handlerFor adapts one opcode to the gRPC unary handler shape: decode into
// the opcode's request type, then hand it to the node's single entry point.
func handlerFor(op wire.Opcode) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	fullMethod := methodPath(op)
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := wire.NewRequest(op)
		if err := dec(req); err != nil {
			return nil, err
		}
		handle := func(ctx context.Context, req any) (any, error) {
			return srv.(api.RPCHandler).HandleRPC(ctx, op, req.(wire.Message))
		}
		if interceptor == nil {
			return handle(ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, req, info, handle)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*api.RPCHandler)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: methodNames[wire.OpGetSupportedRPCVersions], Handler: handlerFor(wire.OpGetSupportedRPCVersions)},
		{MethodName: methodNames[wire.OpRequestVote], Handler: handlerFor(wire.OpRequestVote)},
		{MethodName: methodNames[wire.OpAppendEntries], Handler: handlerFor(wire.OpAppendEntries)},
		{MethodName: methodNames[wire.OpAppendSnapshotChunk], Handler: handlerFor(wire.OpAppendSnapshotChunk)},
	},
}

// Server exposes an api.RPCHandler on the network.
type Server struct {
	server *grpc.Server
	logger *slog.Logger

	addr string
	wg   sync.WaitGroup
}

func NewServer(handler api.RPCHandler, log *slog.Logger) *Server {
	s := grpc.NewServer(grpc.ForceServerCodec(codec{}))
	s.RegisterService(&serviceDesc, handler)
	return &Server{server: s, logger: log}
}

// Start listens on addr and serves in the background. With a ":0" port the
// chosen address is available through Addr afterwards.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport: listen on %s: %w", addr, err)
	}
	s.addr = ln.Addr().String()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(ln); err != nil {
			s.logger.Error("rpc server stopped", logger.ErrAttr(err))
		}
	}()
	return nil
}

func (s *Server) Addr() string { return s.addr }

// Stop drains in-flight RPCs and waits for the serve loop to exit.
func (s *Server) Stop() {
	s.server.GracefulStop()
	s.wg.Wait()
}
