package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vzdtic/raftkv-core/pkg/raft"
)

// serviceName is the gRPC service path the three consensus RPCs are
// registered under. There is no .proto file behind it: the wire
// messages are raft.*Message structs moved with the gob codec in
// codec.go, which lets this transport exercise google.golang.org/grpc
// without a protoc code-generation step.
const serviceName = "raftkv.Consensus"

// raftServer is the HandlerType the ServiceDesc below dispatches
// incoming RPCs to.
type raftServer interface {
	HandleRequestVote(ctx context.Context, req *raft.RequestVoteMessage) (*raft.RequestVoteResponse, error)
	HandleAppendEntries(ctx context.Context, req *raft.AppendEntriesMessage) (*raft.AppendEntriesResponse, error)
	HandleInstallSnapshot(ctx context.Context, req *raft.InstallSnapshotMessage) (*raft.InstallSnapshotResponse, error)
}

func requestVoteHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(raft.RequestVoteMessage)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(raftServer).HandleRequestVote(ctx, req)
}

func appendEntriesHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(raft.AppendEntriesMessage)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(raftServer).HandleAppendEntries(ctx, req)
}

func installSnapshotHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(raft.InstallSnapshotMessage)
	if err := dec(req); err != nil {
		return nil, err
	}
	return srv.(raftServer).HandleInstallSnapshot(ctx, req)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*raftServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "InstallSnapshot", Handler: installSnapshotHandler},
	},
	Metadata: "raftkv/consensus",
}

// serverShim adapts *raft.Raft's synchronous handler methods (which
// take no context) to the raftServer interface the ServiceDesc needs.
type serverShim struct {
	node handler
}

func (s serverShim) HandleRequestVote(_ context.Context, req *raft.RequestVoteMessage) (*raft.RequestVoteResponse, error) {
	return s.node.HandleRequestVote(req)
}

func (s serverShim) HandleAppendEntries(_ context.Context, req *raft.AppendEntriesMessage) (*raft.AppendEntriesResponse, error) {
	return s.node.HandleAppendEntries(req)
}

func (s serverShim) HandleInstallSnapshot(_ context.Context, req *raft.InstallSnapshotMessage) (*raft.InstallSnapshotResponse, error) {
	return s.node.HandleInstallSnapshot(req)
}

// GRPCTransport is a raft.Transport backed by real gRPC connections,
// one long-lived client connection per peer, dialed lazily on first
// use and reused after that.
type GRPCTransport struct {
	mu          sync.RWMutex
	localAddr   string
	peerAddrs   map[string]string
	server      *grpc.Server
	listener    net.Listener
	connections map[string]*grpc.ClientConn
	timeout     time.Duration
}

// NewGRPCTransport builds a transport that will listen on addr and
// dial the given peer address table on demand.
func NewGRPCTransport(addr string, peerAddrs map[string]string) *GRPCTransport {
	return &GRPCTransport{
		localAddr:   addr,
		peerAddrs:   peerAddrs,
		connections: make(map[string]*grpc.ClientConn),
		timeout:     5 * time.Second,
	}
}

// Start begins serving incoming RPCs, dispatching them to node.
func (t *GRPCTransport) Start(node handler) error {
	listener, err := net.Listen("tcp", t.localAddr)
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}
	t.listener = listener

	t.server = grpc.NewServer()
	t.server.RegisterService(&serviceDesc, serverShim{node: node})

	go func() {
		_ = t.server.Serve(listener)
	}()
	return nil
}

// Stop closes every outbound connection and the listening server.
func (t *GRPCTransport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, conn := range t.connections {
		conn.Close()
	}
	if t.server != nil {
		t.server.GracefulStop()
	}
	if t.listener != nil {
		t.listener.Close()
	}
}

func (t *GRPCTransport) getConn(target string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	if conn, ok := t.connections[target]; ok {
		t.mu.RUnlock()
		return conn, nil
	}
	t.mu.RUnlock()

	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.connections[target]; ok {
		return conn, nil
	}

	addr, ok := t.peerAddrs[target]
	if !ok {
		return nil, fmt.Errorf("transport: unknown peer %s", target)
	}

	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	t.connections[target] = conn
	return conn, nil
}

func (t *GRPCTransport) invoke(ctx context.Context, target, method string, req, resp interface{}) error {
	conn, err := t.getConn(target)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	fullMethod := fmt.Sprintf("/%s/%s", serviceName, method)
	return conn.Invoke(ctx, fullMethod, req, resp, grpc.CallContentSubtype(gobCodecName))
}

// SendRequestVote implements raft.Transport.
func (t *GRPCTransport) SendRequestVote(ctx context.Context, target string, req *raft.RequestVoteMessage) (*raft.RequestVoteResponse, error) {
	resp := new(raft.RequestVoteResponse)
	if err := t.invoke(ctx, target, "RequestVote", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SendAppendEntries implements raft.Transport.
func (t *GRPCTransport) SendAppendEntries(ctx context.Context, target string, req *raft.AppendEntriesMessage) (*raft.AppendEntriesResponse, error) {
	resp := new(raft.AppendEntriesResponse)
	if err := t.invoke(ctx, target, "AppendEntries", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// SendInstallSnapshot implements raft.Transport.
func (t *GRPCTransport) SendInstallSnapshot(ctx context.Context, target string, req *raft.InstallSnapshotMessage) (*raft.InstallSnapshotResponse, error) {
	resp := new(raft.InstallSnapshotResponse)
	if err := t.invoke(ctx, target, "InstallSnapshot", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
