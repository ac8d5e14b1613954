// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 HoloMUSH Contributors

package shardrpc

import (
	"crypto/tls"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Stream path of the shard directory service.
const (
	serviceName    = "holodir.shard.v1.ShardDirectory"
	connectMethod  = "/" + serviceName + "/Connect"
	connectStreams = "Connect"
)

// shardDirectoryServer is the handler type of the service.
type shardDirectoryServer interface {
	Connect(stream grpc.ServerStream) error
}

func connectHandler(srv any, stream grpc.ServerStream) error {
	return srv.(shardDirectoryServer).Connect(stream)
}

// serviceDesc is written by hand; frames are JSON so no generated stubs exist.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*shardDirectoryServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    connectStreams,
			Handler:       connectHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "holodir/shard/v1/shard.json",
}

// NewGRPCServer creates a gRPC server speaking the shard frame codec.
// A nil tlsConfig serves plaintext, which is only suitable behind a trusted
// proxy or in tests.
func NewGRPCServer(tlsConfig *tls.Config, opts ...grpc.ServerOption) *grpc.Server {
	all := []grpc.ServerOption{grpc.ForceServerCodec(jsonCodec{})}
	if tlsConfig != nil {
		all = append(all, grpc.Creds(credentials.NewTLS(tlsConfig)))
	}
	return grpc.NewServer(append(all, opts...)...)
}

// Register attaches srv to gs.
func Register(gs *grpc.Server, srv *Server) {
	gs.RegisterService(&serviceDesc, srv)
}
