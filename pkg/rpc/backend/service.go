package backend

import (
	"context"

	"google.golang.org/grpc"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/flameerr"
)

// Controller is the subset of pkg/controller.Controller the executor-facing
// surface drives.
type Controller interface {
	RegisterNode(ctx context.Context, node *apis.Node) (*apis.Node, error)
	SyncNode(ctx context.Context, nodeName string, reportedExecutorIDs []string) ([]*apis.Executor, []string, error)
	ReleaseNode(ctx context.Context, nodeName string) error

	CreateExecutor(ctx context.Context, node string, intendedSession string, slots int32, resource apis.ResourceRequirement) (*apis.Executor, error)
	AwaitBindSession(ctx context.Context, execID string) (*apis.Session, error)
	BindSessionCompleted(ctx context.Context, execID string) (*apis.Executor, error)
	LaunchTask(ctx context.Context, execID string) (*apis.Task, error)
	CompleteTask(ctx context.Context, execID string, taskID uint64, state apis.TaskState, output []byte) (*apis.Task, error)
	AwaitUnbind(ctx context.Context, execID string) error
	UnbindExecutorCompleted(ctx context.Context, execID string) (*apis.Executor, error)
	ReleaseExecutorCompleted(ctx context.Context, execID string) error
}

// Server adapts a Controller to the hand-written backend ServiceDesc.
type Server struct {
	Ctrl Controller
}

func (s *Server) registerNode(ctx context.Context, req *RegisterNodeRequest) (*apis.Node, error) {
	node, err := s.Ctrl.RegisterNode(ctx, req.Node)
	return node, flameerr.ToGRPCStatus(err)
}

func (s *Server) syncNode(ctx context.Context, req *SyncNodeRequest) (*SyncNodeResponse, error) {
	execsToRun, toRelease, err := s.Ctrl.SyncNode(ctx, req.NodeName, req.ExecutorIDs)
	if err != nil {
		return nil, flameerr.ToGRPCStatus(err)
	}
	return &SyncNodeResponse{ExecutorsToRun: execsToRun, ToRelease: toRelease}, nil
}

func (s *Server) releaseNode(ctx context.Context, req *ReleaseNodeRequest) (*emptyResponse, error) {
	err := s.Ctrl.ReleaseNode(ctx, req.Name)
	return &emptyResponse{}, flameerr.ToGRPCStatus(err)
}

// bindSession is the executor agent's long-poll for a session assignment;
// it blocks inside AwaitBindSession until the controller calls BindSession
// on its behalf (issued by the scheduler's Dispatch action).
func (s *Server) bindSession(ctx context.Context, req *ExecutorIDRequest) (*apis.Session, error) {
	ssn, err := s.Ctrl.AwaitBindSession(ctx, req.ExecutorID)
	return ssn, flameerr.ToGRPCStatus(err)
}

func (s *Server) bindSessionCompleted(ctx context.Context, req *ExecutorIDRequest) (*apis.Executor, error) {
	exec, err := s.Ctrl.BindSessionCompleted(ctx, req.ExecutorID)
	return exec, flameerr.ToGRPCStatus(err)
}

// launchTask is the backend's long-poll for the next task to run; a nil
// task (no error) tells the agent its executor is being unbound.
func (s *Server) launchTask(ctx context.Context, req *ExecutorIDRequest) (*apis.Task, error) {
	task, err := s.Ctrl.LaunchTask(ctx, req.ExecutorID)
	return task, flameerr.ToGRPCStatus(err)
}

func (s *Server) completeTask(ctx context.Context, req *CompleteTaskRequest) (*apis.Task, error) {
	task, err := s.Ctrl.CompleteTask(ctx, req.ExecutorID, req.TaskID, req.State, req.Output)
	return task, flameerr.ToGRPCStatus(err)
}

// unbindExecutor is the agent's server-streamed wait for a preemption
// signal; it sends exactly one message once the executor enters Unbinding.
func (s *Server) unbindExecutor(srv interface{}, stream grpc.ServerStream) error {
	var req ExecutorIDRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	if err := s.Ctrl.AwaitUnbind(stream.Context(), req.ExecutorID); err != nil {
		return flameerr.ToGRPCStatus(err)
	}
	return stream.SendMsg(&emptyResponse{})
}

func (s *Server) unbindExecutorCompleted(ctx context.Context, req *ExecutorIDRequest) (*apis.Executor, error) {
	exec, err := s.Ctrl.UnbindExecutorCompleted(ctx, req.ExecutorID)
	return exec, flameerr.ToGRPCStatus(err)
}

func (s *Server) releaseExecutor(ctx context.Context, req *ExecutorIDRequest) (*emptyResponse, error) {
	err := s.Ctrl.ReleaseExecutorCompleted(ctx, req.ExecutorID)
	return &emptyResponse{}, flameerr.ToGRPCStatus(err)
}

// ServiceName is the gRPC full method prefix for this service.
const ServiceName = "flame.Backend"

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit for the executor-facing surface (see pkg/rpc/frontend for
// the rationale, recorded once in SPEC_FULL.md §D).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Controller)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("RegisterNode", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(RegisterNodeRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.registerNode(ctx, req)
		}),
		unaryMethod("SyncNode", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(SyncNodeRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.syncNode(ctx, req)
		}),
		unaryMethod("ReleaseNode", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(ReleaseNodeRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.releaseNode(ctx, req)
		}),
		unaryMethod("BindSession", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(ExecutorIDRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.bindSession(ctx, req)
		}),
		unaryMethod("BindSessionCompleted", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(ExecutorIDRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.bindSessionCompleted(ctx, req)
		}),
		unaryMethod("LaunchTask", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(ExecutorIDRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.launchTask(ctx, req)
		}),
		unaryMethod("CompleteTask", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(CompleteTaskRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.completeTask(ctx, req)
		}),
		unaryMethod("UnbindExecutorCompleted", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(ExecutorIDRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.unbindExecutorCompleted(ctx, req)
		}),
		unaryMethod("ReleaseExecutor", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(ExecutorIDRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.releaseExecutor(ctx, req)
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "UnbindExecutor",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(*Server).unbindExecutor(srv, stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "flame/backend.proto",
}

// unaryMethod adapts a typed (*Server, context.Context, dec) handler into
// the grpc.MethodDesc shape, matching what protoc-gen-go-grpc generates.
func unaryMethod(name string, fn func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return fn(srv.(*Server), ctx, dec)
		},
	}
}

// RegisterServer attaches the backend service to a *grpc.Server.
func RegisterServer(gs *grpc.Server, srv *Server) {
	gs.RegisterService(&ServiceDesc, srv)
}
