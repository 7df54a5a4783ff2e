package nexus

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// 服務以 structpb.Struct 作為請求與回應，不需要產生的程式碼
const (
	nexusService = "venom.nexus.v1.Nexus"
	sporeService = "venom.nexus.v1.Spore"

	methodRegister   = "/" + nexusService + "/Register"
	methodHeartbeat  = "/" + nexusService + "/Heartbeat"
	methodDeregister = "/" + nexusService + "/Deregister"
	methodExecute    = "/" + sporeService + "/Execute"
)

// NexusServer master 端處理節點註冊與心跳
type NexusServer interface {
	Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Deregister(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// SporeServer 節點端接收執行請求
type SporeServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type structCall func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)

// unary 將 structCall 包成 grpc 的 method handler（含 interceptor 支援）
func unary(fullMethod string, call structCall) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

var nexusServiceDesc = grpc.ServiceDesc{
	ServiceName: nexusService,
	HandlerType: (*NexusServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Register",
			Handler: unary(methodRegister, func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return srv.(NexusServer).Register(ctx, in)
			}),
		},
		{
			MethodName: "Heartbeat",
			Handler: unary(methodHeartbeat, func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return srv.(NexusServer).Heartbeat(ctx, in)
			}),
		},
		{
			MethodName: "Deregister",
			Handler: unary(methodDeregister, func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return srv.(NexusServer).Deregister(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "venom/nexus/v1/nexus",
}

var sporeServiceDesc = grpc.ServiceDesc{
	ServiceName: sporeService,
	HandlerType: (*SporeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Execute",
			Handler: unary(methodExecute, func(srv any, ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
				return srv.(SporeServer).Execute(ctx, in)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "venom/nexus/v1/spore",
}

// RegisterNexusServer 在 grpc.Server 上註冊 master 服務
func RegisterNexusServer(s grpc.ServiceRegistrar, srv NexusServer) {
	s.RegisterService(&nexusServiceDesc, srv)
}

// RegisterSporeServer 在 grpc.Server 上註冊節點服務
func RegisterSporeServer(s grpc.ServiceRegistrar, srv SporeServer) {
	s.RegisterService(&sporeServiceDesc, srv)
}

// ============================================================================
// structpb 欄位讀取
// ============================================================================

func stringField(s *structpb.Struct, key string) string {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetStringValue()
	}
	return ""
}

func numberField(s *structpb.Struct, key string) float64 {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetNumberValue()
	}
	return 0
}

func boolField(s *structpb.Struct, key string) bool {
	if v, ok := s.GetFields()[key]; ok {
		return v.GetBoolValue()
	}
	return false
}

func stringListField(s *structpb.Struct, key string) []string {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil
	}
	var out []string
	for _, item := range v.GetListValue().GetValues() {
		out = append(out, item.GetStringValue())
	}
	return out
}

func stringMapField(s *structpb.Struct, key string) map[string]string {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil
	}
	out := make(map[string]string)
	for k, item := range v.GetStructValue().GetFields() {
		out[k] = item.GetStringValue()
	}
	return out
}

func stringsToAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func stringMapToAny(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
