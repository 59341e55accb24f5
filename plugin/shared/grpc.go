package shared

import (
	"context"

	"mediaforge-backend/internal/diffusion"

	"google.golang.org/grpc"
)

const serviceName = "mediaforge.diffusion.Runtime"

type empty struct{}

type fuseAdapterRequest struct {
	Path  string  `json:"path"`
	Scale float64 `json:"scale"`
}

type generateResponse struct {
	Image []byte `json:"image"`
}

type encodePromptRequest struct {
	Caption string `json:"caption"`
}

type predictNoiseRequest struct {
	Noisy      diffusion.Tensor `json:"noisy"`
	Timestep   int              `json:"timestep"`
	Embeddings diffusion.Tensor `json:"embeddings"`
}

type saveAdapterRequest struct {
	Dir string `json:"dir"`
}

// GRPCClient is an implementation of diffusion.Runtime that talks over gRPC.
type GRPCClient struct {
	conn *grpc.ClientConn
}

var _ diffusion.Runtime = (*GRPCClient)(nil)

func NewGRPCClient(conn *grpc.ClientConn) *GRPCClient {
	return &GRPCClient{conn: conn}
}

func (c *GRPCClient) invoke(ctx context.Context, method string, req, resp any) error {
	return c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, resp, grpc.CallContentSubtype(codecName))
}

func (c *GRPCClient) Load(ctx context.Context, opts diffusion.LoadOptions) error {
	return c.invoke(ctx, "Load", &opts, &empty{})
}

func (c *GRPCClient) SetScheduler(ctx context.Context, cfg diffusion.SchedulerConfig) error {
	return c.invoke(ctx, "SetScheduler", &cfg, &empty{})
}

func (c *GRPCClient) FuseAdapter(ctx context.Context, path string, scale float64) error {
	return c.invoke(ctx, "FuseAdapter", &fuseAdapterRequest{Path: path, Scale: scale}, &empty{})
}

func (c *GRPCClient) Generate(ctx context.Context, params diffusion.GenerateParams) ([]byte, error) {
	var resp generateResponse
	if err := c.invoke(ctx, "Generate", &params, &resp); err != nil {
		return nil, err
	}
	return resp.Image, nil
}

func (c *GRPCClient) Setup(ctx context.Context, setup diffusion.TrainerSetup) error {
	return c.invoke(ctx, "Setup", &setup, &empty{})
}

func (c *GRPCClient) EncodeImage(ctx context.Context, image diffusion.Tensor) (diffusion.Tensor, error) {
	var resp diffusion.Tensor
	err := c.invoke(ctx, "EncodeImage", &image, &resp)
	return resp, err
}

func (c *GRPCClient) EncodePrompt(ctx context.Context, caption string) (diffusion.Tensor, error) {
	var resp diffusion.Tensor
	err := c.invoke(ctx, "EncodePrompt", &encodePromptRequest{Caption: caption}, &resp)
	return resp, err
}

func (c *GRPCClient) PredictNoise(ctx context.Context, noisy diffusion.Tensor, timestep int, embeddings diffusion.Tensor) (diffusion.Tensor, error) {
	var resp diffusion.Tensor
	err := c.invoke(ctx, "PredictNoise", &predictNoiseRequest{Noisy: noisy, Timestep: timestep, Embeddings: embeddings}, &resp)
	return resp, err
}

func (c *GRPCClient) Backward(ctx context.Context, grad diffusion.Tensor) error {
	return c.invoke(ctx, "Backward", &grad, &empty{})
}

func (c *GRPCClient) OptimizerStep(ctx context.Context) error {
	return c.invoke(ctx, "OptimizerStep", &empty{}, &empty{})
}

func (c *GRPCClient) SaveAdapter(ctx context.Context, dir string) error {
	return c.invoke(ctx, "SaveAdapter", &saveAdapterRequest{Dir: dir}, &empty{})
}

// Release is a no-op, the plugin process is owned by whoever launched it.
func (c *GRPCClient) Release() {}

// Here is the gRPC server that GRPCClient talks to.
type GRPCServer struct {
	// This is the real implementation
	Impl diffusion.Runtime
}

type runtimeServer interface {
	load(ctx context.Context, req *diffusion.LoadOptions) (*empty, error)
}

func (s *GRPCServer) load(ctx context.Context, req *diffusion.LoadOptions) (*empty, error) {
	return &empty{}, s.Impl.Load(ctx, *req)
}

func (s *GRPCServer) setScheduler(ctx context.Context, req *diffusion.SchedulerConfig) (*empty, error) {
	return &empty{}, s.Impl.SetScheduler(ctx, *req)
}

func (s *GRPCServer) fuseAdapter(ctx context.Context, req *fuseAdapterRequest) (*empty, error) {
	return &empty{}, s.Impl.FuseAdapter(ctx, req.Path, req.Scale)
}

func (s *GRPCServer) generate(ctx context.Context, req *diffusion.GenerateParams) (*generateResponse, error) {
	img, err := s.Impl.Generate(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &generateResponse{Image: img}, nil
}

func (s *GRPCServer) setup(ctx context.Context, req *diffusion.TrainerSetup) (*empty, error) {
	return &empty{}, s.Impl.Setup(ctx, *req)
}

func (s *GRPCServer) encodeImage(ctx context.Context, req *diffusion.Tensor) (*diffusion.Tensor, error) {
	out, err := s.Impl.EncodeImage(ctx, *req)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GRPCServer) encodePrompt(ctx context.Context, req *encodePromptRequest) (*diffusion.Tensor, error) {
	out, err := s.Impl.EncodePrompt(ctx, req.Caption)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GRPCServer) predictNoise(ctx context.Context, req *predictNoiseRequest) (*diffusion.Tensor, error) {
	out, err := s.Impl.PredictNoise(ctx, req.Noisy, req.Timestep, req.Embeddings)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *GRPCServer) backward(ctx context.Context, req *diffusion.Tensor) (*empty, error) {
	return &empty{}, s.Impl.Backward(ctx, *req)
}

func (s *GRPCServer) optimizerStep(ctx context.Context, _ *empty) (*empty, error) {
	return &empty{}, s.Impl.OptimizerStep(ctx)
}

func (s *GRPCServer) saveAdapter(ctx context.Context, req *saveAdapterRequest) (*empty, error) {
	return &empty{}, s.Impl.SaveAdapter(ctx, req.Dir)
}

func unary[Req, Resp any](method string, call func(*GRPCServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(*GRPCServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + method}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*Req))
			})
		},
	}
}

var runtimeServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*runtimeServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Load", (*GRPCServer).load),
		unary("SetScheduler", (*GRPCServer).setScheduler),
		unary("FuseAdapter", (*GRPCServer).fuseAdapter),
		unary("Generate", (*GRPCServer).generate),
		unary("Setup", (*GRPCServer).setup),
		unary("EncodeImage", (*GRPCServer).encodeImage),
		unary("EncodePrompt", (*GRPCServer).encodePrompt),
		unary("PredictNoise", (*GRPCServer).predictNoise),
		unary("Backward", (*GRPCServer).backward),
		unary("OptimizerStep", (*GRPCServer).optimizerStep),
		unary("SaveAdapter", (*GRPCServer).saveAdapter),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "mediaforge/diffusion/runtime",
}

func RegisterRuntimeServer(s grpc.ServiceRegistrar, impl diffusion.Runtime) {
	s.RegisterService(&runtimeServiceDesc, &GRPCServer{Impl: impl})
}
