package grpc

import (
	"context"
	"log"

	"github.com/arkilian/chunkindex/internal/chunksync"
	cerrors "github.com/arkilian/chunkindex/internal/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	serviceName     = "chunkindex.v1.ChunkSync"
	subscribeMethod = "/" + serviceName + "/Subscribe"
)

// ChunkSyncServer is the server side of the sync service.
type ChunkSyncServer interface {
	Subscribe(stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ChunkSyncServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Subscribe",
		ServerStreams: true,
		ClientStreams: true,
		Handler: func(srv any, stream grpc.ServerStream) error {
			return srv.(ChunkSyncServer).Subscribe(stream)
		},
	}},
	Metadata: "chunkindex/v1/sync.proto",
}

// SyncServer serves chunk sync streams over gRPC.
type SyncServer struct {
	sync *chunksync.Server
}

// NewSyncServer wraps a protocol server.
func NewSyncServer(s *chunksync.Server) *SyncServer {
	return &SyncServer{sync: s}
}

// Register installs the service on a gRPC server.
func Register(gs *grpc.Server, s *SyncServer) {
	gs.RegisterService(&serviceDesc, s)
}

// Subscribe implements ChunkSyncServer.
func (s *SyncServer) Subscribe(stream grpc.ServerStream) error {
	if err := s.sync.Serve(&serverStream{stream}); err != nil {
		log.Printf("grpc: sync stream ended: %v", err)
		if cerrors.GetCategory(err) == cerrors.ErrCategorySync {
			return status.Error(codes.Unavailable, err.Error())
		}
		return status.Error(codes.Internal, err.Error())
	}
	return nil
}

type serverStream struct {
	grpc.ServerStream
}

func (s *serverStream) Send(env *chunksync.Envelope) error { return s.SendMsg(env) }

func (s *serverStream) Recv() (*chunksync.Envelope, error) {
	env := new(chunksync.Envelope)
	if err := s.RecvMsg(env); err != nil {
		return nil, err
	}
	return env, nil
}

// Client opens sync streams to a remote server.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient creates a client for addr. Extra options are appended to the
// defaults (insecure transport).
func NewClient(addr string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, cerrors.NewSyncError(cerrors.CodeStreamClosed, "grpc: failed to create client", err)
	}
	return &Client{conn: conn}, nil
}

// Open starts a sync stream bound to ctx.
func (c *Client) Open(ctx context.Context) (chunksync.Stream, error) {
	cs, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], subscribeMethod, grpc.CallContentSubtype(CodecName))
	if err != nil {
		return nil, cerrors.NewSyncError(cerrors.CodeStreamClosed, "grpc: failed to open stream", err)
	}
	return &clientStream{cs}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

type clientStream struct {
	grpc.ClientStream
}

func (s *clientStream) Send(env *chunksync.Envelope) error { return s.SendMsg(env) }

func (s *clientStream) Recv() (*chunksync.Envelope, error) {
	env := new(chunksync.Envelope)
	if err := s.RecvMsg(env); err != nil {
		return nil, err
	}
	return env, nil
}
