// Package wire holds the on-the-wire pieces shared by the protocol adapters
// and by peers that speak to them: frame helpers and the gRPC service
// descriptor for a2a.v1.AgentTransport.
package wire

import (
	"bytes"
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Agent card discovery path served by HTTP peers.
const AgentCardPath = "/.well-known/agent.json"

// Method used by stream protocols to authenticate after dialing.
const AuthHandshakeMethod = "auth.handshake"

// WebSocket subprotocol offered on upgrade.
const Subprotocol = "a2a.v1"

// PeekID extracts the "id" member of a JSON frame without decoding the rest.
func PeekID(frame []byte) string {
	var head struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(frame, &head); err != nil {
		return ""
	}
	return head.ID
}

// CompactLine returns frame as a single line, suitable for newline-delimited
// streams.
func CompactLine(frame []byte) ([]byte, error) {
	if bytes.IndexByte(frame, '\n') < 0 {
		return frame, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, frame); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ToStruct converts a JSON object into a protobuf Struct.
func ToStruct(frame []byte) (*structpb.Struct, error) {
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(frame, s); err != nil {
		return nil, err
	}
	return s, nil
}

// FromStruct converts a protobuf Struct back into JSON.
func FromStruct(s *structpb.Struct) ([]byte, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return protojson.Marshal(s)
}

// gRPC service names.
const (
	ServiceName     = "a2a.v1.AgentTransport"
	HandshakeMethod = "/a2a.v1.AgentTransport/Handshake"
	SendMethod      = "/a2a.v1.AgentTransport/Send"
	StreamMethod    = "/a2a.v1.AgentTransport/Stream"
)

// AgentTransportServer is implemented by gRPC peers.
type AgentTransportServer interface {
	Handshake(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Send(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Stream(grpc.ServerStream) error
}

// StreamDesc describes the bidirectional Stream RPC.
var StreamDesc = grpc.StreamDesc{
	StreamName:    "Stream",
	ServerStreams: true,
	ClientStreams: true,
}

// ServiceDesc is the grpc.ServiceDesc for a2a.v1.AgentTransport.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AgentTransportServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Handshake", Handler: unaryHandler(HandshakeMethod, AgentTransportServer.Handshake)},
		{MethodName: "Send", Handler: unaryHandler(SendMethod, AgentTransportServer.Send)},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    StreamDesc.StreamName,
			ServerStreams: true,
			ClientStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				return srv.(AgentTransportServer).Stream(stream)
			},
		},
	},
	Metadata: "a2a/v1/transport.proto",
}

// RegisterAgentTransportServer registers srv on s.
func RegisterAgentTransportServer(s grpc.ServiceRegistrar, srv AgentTransportServer) {
	s.RegisterService(&ServiceDesc, srv)
}

type unaryFunc func(AgentTransportServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call unaryFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AgentTransportServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AgentTransportServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
