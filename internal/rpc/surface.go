// ABOUTME: The four worker RPC surfaces bound to a gRPC connection
// ABOUTME: Method names and stream descriptors shared with the stub worker

package rpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Service names on the wire.
const (
	TaskServiceName   = "sandbox.v1.TaskService"
	FileServiceName   = "sandbox.v1.FileService"
	StateServiceName  = "sandbox.v1.StateService"
	ModelsServiceName = "sandbox.v1.ModelsService"
)

// Full method names.
const (
	MethodNewTask                = "/" + TaskServiceName + "/NewTask"
	MethodShowTaskWithID         = "/" + TaskServiceName + "/ShowTaskWithId"
	MethodCancelTask             = "/" + TaskServiceName + "/CancelTask"
	MethodSearchFiles            = "/" + FileServiceName + "/SearchFiles"
	MethodSubscribeToState       = "/" + StateServiceName + "/SubscribeToState"
	MethodUpdateAPIConfiguration = "/" + ModelsServiceName + "/UpdateApiConfiguration"
)

// StateStreamDesc describes the SubscribeToState server stream.
var StateStreamDesc = grpc.StreamDesc{
	StreamName:    "SubscribeToState",
	ServerStreams: true,
}

// Surface is one of the worker's RPC services. The set is closed:
// TaskService, FileService, StateService and ModelsService.
type Surface interface {
	ServiceName() string
	surface()
}

var (
	_ Surface = (*TaskService)(nil)
	_ Surface = (*FileService)(nil)
	_ Surface = (*StateService)(nil)
	_ Surface = (*ModelsService)(nil)
)

// TaskService creates, inspects and cancels tasks.
type TaskService struct {
	cc grpc.ClientConnInterface
}

func (*TaskService) ServiceName() string { return TaskServiceName }
func (*TaskService) surface()            {}

// NewTask starts a task and returns its id.
func (s *TaskService) NewTask(ctx context.Context, req *structpb.Struct) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := s.cc.Invoke(ctx, MethodNewTask, req, out); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

// ShowTaskWithID returns the task's current snapshot.
func (s *TaskService) ShowTaskWithID(ctx context.Context, id string) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := s.cc.Invoke(ctx, MethodShowTaskWithID, wrapperspb.String(id), out); err != nil {
		return nil, err
	}
	return out, nil
}

// CancelTask cancels the worker's active task.
func (s *TaskService) CancelTask(ctx context.Context) error {
	return s.cc.Invoke(ctx, MethodCancelTask, &emptypb.Empty{}, new(emptypb.Empty))
}

// FileService searches the workspace the worker was started in.
type FileService struct {
	cc grpc.ClientConnInterface
}

func (*FileService) ServiceName() string { return FileServiceName }
func (*FileService) surface()            {}

func (s *FileService) SearchFiles(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := s.cc.Invoke(ctx, MethodSearchFiles, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// StateService streams worker state snapshots.
type StateService struct {
	cc grpc.ClientConnInterface
}

func (*StateService) ServiceName() string { return StateServiceName }
func (*StateService) surface()            {}

// SubscribeToState opens the state stream. Cancelling ctx ends it.
func (s *StateService) SubscribeToState(ctx context.Context) (grpc.ClientStream, error) {
	cs, err := s.cc.NewStream(ctx, &StateStreamDesc, MethodSubscribeToState)
	if err != nil {
		return nil, err
	}
	if err := cs.SendMsg(&emptypb.Empty{}); err != nil {
		return nil, err
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}
	return cs, nil
}

// ModelsService configures the worker's model provider.
type ModelsService struct {
	cc grpc.ClientConnInterface
}

func (*ModelsService) ServiceName() string { return ModelsServiceName }
func (*ModelsService) surface()            {}

func (s *ModelsService) UpdateAPIConfiguration(ctx context.Context, req *structpb.Struct) error {
	return s.cc.Invoke(ctx, MethodUpdateAPIConfiguration, req, new(emptypb.Empty))
}
