// Package shared contains the contract between the backend and the diffusion
// runtime plugin process.
package shared

import (
	"context"

	"mediaforge-backend/internal/diffusion"

	"github.com/hashicorp/go-plugin"
	"google.golang.org/grpc"
)

const RuntimePluginName = "runtime"

// MaxMessageSize bounds a single runtime call. A 3x1024x1024 training image
// is about 17 MB encoded and 2048x2048 PNGs can exceed 10 MB, so gRPC's 4 MB
// default is far too small. Runtimes in other languages must raise their
// limits to match, for python grpc that is the
// grpc.max_receive_message_length and grpc.max_send_message_length options.
const MaxMessageSize = 256 << 20

// DialOptions are the client options for talking to a runtime.
func DialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	}
}

// ServerOptions are the server options for serving a runtime.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	}
}

// Handshake is a common handshake that is shared by plugin and host.
var Handshake = plugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "MEDIAFORGE_RUNTIME_PLUGIN",
	MagicCookieValue: "diffusion",
}

// PluginMap is the map of plugins we can dispense.
var PluginMap = map[string]plugin.Plugin{
	RuntimePluginName: &RuntimePlugin{},
}

// RuntimePlugin is the go-plugin implementation of diffusion.Runtime. Only the
// gRPC protocol is supported.
type RuntimePlugin struct {
	plugin.NetRPCUnsupportedPlugin

	Impl diffusion.Runtime
}

var _ plugin.GRPCPlugin = (*RuntimePlugin)(nil)

func (p *RuntimePlugin) GRPCServer(broker *plugin.GRPCBroker, s *grpc.Server) error {
	RegisterRuntimeServer(s, p.Impl)
	return nil
}

func (p *RuntimePlugin) GRPCClient(ctx context.Context, broker *plugin.GRPCBroker, c *grpc.ClientConn) (interface{}, error) {
	return NewGRPCClient(c), nil
}

// Serve runs impl as a plugin process. It blocks until the host kills it.
func Serve(impl diffusion.Runtime) {
	plugin.Serve(&plugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]plugin.Plugin{
			RuntimePluginName: &RuntimePlugin{Impl: impl},
		},
		GRPCServer: func(opts []grpc.ServerOption) *grpc.Server {
			return grpc.NewServer(append(opts, ServerOptions()...)...)
		},
	})
}
