package nexus

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service master 端的 gRPC 服務，將請求轉給 Registry
type Service struct {
	registry *Registry
}

// NewService 建立 master 服務
func NewService(registry *Registry) *Service {
	return &Service{registry: registry}
}

// Register 請求: {node_id, address, capabilities[]}；回應: {ok, heartbeat_window_ms}
func (s *Service) Register(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	nodeID := stringField(req, "node_id")
	err := s.registry.Register(nodeID, stringField(req, "address"), stringListField(req, "capabilities"))
	switch {
	case errors.Is(err, ErrNodeExists):
		return nil, status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, ErrInvalidNode):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]any{
		"ok":                  true,
		"heartbeat_window_ms": float64(s.registry.HeartbeatWindow().Milliseconds()),
	})
}

// Heartbeat 請求: {node_id, load}；未知或 OFFLINE 節點回應 reregister=true
func (s *Service) Heartbeat(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	err := s.registry.Heartbeat(stringField(req, "node_id"), int(numberField(req, "load")))
	if errors.Is(err, ErrNodeNotFound) || errors.Is(err, ErrNodeOffline) {
		return structpb.NewStruct(map[string]any{"ok": false, "reregister": true})
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]any{"ok": true, "reregister": false})
}

// Deregister 請求: {node_id}
func (s *Service) Deregister(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	err := s.registry.Deregister(stringField(req, "node_id"))
	if errors.Is(err, ErrNodeNotFound) {
		return nil, status.Error(codes.NotFound, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return structpb.NewStruct(map[string]any{"ok": true})
}
