package frontend

import (
	"context"

	"google.golang.org/grpc"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/flameerr"
	"github.com/flame-sh/flame/pkg/storage"
)

// Controller is the subset of pkg/controller.Controller the frontend
// surface drives.
type Controller interface {
	RegisterApplication(ctx context.Context, name string, attrs storage.ApplicationAttrs) (*apis.Application, error)
	UpdateApplication(ctx context.Context, name string, attrs storage.ApplicationAttrs) (*apis.Application, error)
	UnregisterApplication(ctx context.Context, name string) error
	GetApplication(ctx context.Context, name string) (*apis.Application, error)
	ListApplication(ctx context.Context) ([]*apis.Application, error)

	CreateSession(ctx context.Context, id string, spec storage.SessionSpec) (*apis.Session, error)
	OpenSession(ctx context.Context, id string, spec *storage.SessionSpec) (*apis.Session, error)
	CloseSession(ctx context.Context, id string) (*apis.Session, error)
	GetSession(ctx context.Context, id string) (*apis.Session, error)
	ListSession(ctx context.Context, includeClosed bool) ([]*apis.Session, error)

	CreateTask(ctx context.Context, sessionID string, input []byte) (*apis.Task, error)
	GetTask(ctx context.Context, id apis.TaskID) (*apis.Task, error)
	ListTask(ctx context.Context, sessionID string) ([]*apis.Task, error)
	AwaitSessionChange(ctx context.Context, sessionID string) error
}

// Server adapts a Controller to the hand-written frontend ServiceDesc.
type Server struct {
	Ctrl Controller
}

func (s *Server) registerApplication(ctx context.Context, req *RegisterApplicationRequest) (*apis.Application, error) {
	app, err := s.Ctrl.RegisterApplication(ctx, req.Name, req.Attrs)
	return app, flameerr.ToGRPCStatus(err)
}

func (s *Server) updateApplication(ctx context.Context, req *UpdateApplicationRequest) (*apis.Application, error) {
	app, err := s.Ctrl.UpdateApplication(ctx, req.Name, req.Attrs)
	return app, flameerr.ToGRPCStatus(err)
}

func (s *Server) unregisterApplication(ctx context.Context, req *UnregisterApplicationRequest) (*emptyResponse, error) {
	err := s.Ctrl.UnregisterApplication(ctx, req.Name)
	return &emptyResponse{}, flameerr.ToGRPCStatus(err)
}

func (s *Server) getApplication(ctx context.Context, req *GetApplicationRequest) (*apis.Application, error) {
	app, err := s.Ctrl.GetApplication(ctx, req.Name)
	return app, flameerr.ToGRPCStatus(err)
}

func (s *Server) listApplication(ctx context.Context, req *ListApplicationRequest) (*ListApplicationResponse, error) {
	apps, err := s.Ctrl.ListApplication(ctx)
	if err != nil {
		return nil, flameerr.ToGRPCStatus(err)
	}
	return &ListApplicationResponse{Applications: apps}, nil
}

func (s *Server) createSession(ctx context.Context, req *CreateSessionRequest) (*apis.Session, error) {
	ssn, err := s.Ctrl.CreateSession(ctx, req.ID, storage.SessionSpec{Application: req.Application, Slots: req.Slots, CommonData: req.CommonData})
	return ssn, flameerr.ToGRPCStatus(err)
}

func (s *Server) openSession(ctx context.Context, req *OpenSessionRequest) (*apis.Session, error) {
	var spec *storage.SessionSpec
	if req.Application != nil || req.Slots != nil {
		spec = &storage.SessionSpec{CommonData: req.CommonData}
		if req.Application != nil {
			spec.Application = *req.Application
		}
		if req.Slots != nil {
			spec.Slots = *req.Slots
		}
	}
	ssn, err := s.Ctrl.OpenSession(ctx, req.ID, spec)
	return ssn, flameerr.ToGRPCStatus(err)
}

func (s *Server) closeSession(ctx context.Context, req *SessionIDRequest) (*apis.Session, error) {
	ssn, err := s.Ctrl.CloseSession(ctx, req.ID)
	return ssn, flameerr.ToGRPCStatus(err)
}

func (s *Server) getSession(ctx context.Context, req *SessionIDRequest) (*apis.Session, error) {
	ssn, err := s.Ctrl.GetSession(ctx, req.ID)
	return ssn, flameerr.ToGRPCStatus(err)
}

func (s *Server) listSession(ctx context.Context, req *ListSessionRequest) (*ListSessionResponse, error) {
	sessions, err := s.Ctrl.ListSession(ctx, req.IncludeClosed)
	if err != nil {
		return nil, flameerr.ToGRPCStatus(err)
	}
	return &ListSessionResponse{Sessions: sessions}, nil
}

func (s *Server) createTask(ctx context.Context, req *CreateTaskRequest) (*apis.Task, error) {
	task, err := s.Ctrl.CreateTask(ctx, req.SessionID, req.Input)
	return task, flameerr.ToGRPCStatus(err)
}

func (s *Server) getTask(ctx context.Context, req *TaskIDRequest) (*apis.Task, error) {
	task, err := s.Ctrl.GetTask(ctx, apis.TaskID{SessionID: req.SessionID, TaskID: req.TaskID})
	return task, flameerr.ToGRPCStatus(err)
}

func (s *Server) listTask(ctx context.Context, req *ListTaskRequest) (*ListTaskResponse, error) {
	tasks, err := s.Ctrl.ListTask(ctx, req.SessionID)
	if err != nil {
		return nil, flameerr.ToGRPCStatus(err)
	}
	return &ListTaskResponse{Tasks: tasks}, nil
}

// watchTasks streams a Task snapshot every time any task in the session
// changes version, until the session closes or the stream is cancelled.
func (s *Server) watchTasks(srv interface{}, stream grpc.ServerStream) error {
	var req WatchTasksRequest
	if err := stream.RecvMsg(&req); err != nil {
		return err
	}
	ctx := stream.Context()

	versions := make(map[uint64]uint64)
	for {
		tasks, err := s.Ctrl.ListTask(ctx, req.SessionID)
		if err != nil {
			return flameerr.ToGRPCStatus(err)
		}
		for _, t := range tasks {
			if versions[t.ID.TaskID] == t.Version {
				continue
			}
			versions[t.ID.TaskID] = t.Version
			if err := stream.SendMsg(t); err != nil {
				return err
			}
		}

		ssn, err := s.Ctrl.GetSession(ctx, req.SessionID)
		if err != nil {
			return flameerr.ToGRPCStatus(err)
		}
		if ssn.State == apis.SessionClosed {
			return nil
		}

		if err := s.Ctrl.AwaitSessionChange(ctx, req.SessionID); err != nil {
			return err
		}
	}
}

type emptyResponse struct{}

// ServiceName is the gRPC full method prefix for this service.
const ServiceName = "flame.Frontend"

// ServiceDesc is the hand-written equivalent of what protoc-gen-go-grpc
// would emit, registered directly with a *grpc.Server (spec §D in
// SPEC_FULL.md documents why: no .proto/.pb.go files exist in this
// retrieval pack and the toolchain cannot be invoked to generate them).
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*Controller)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("RegisterApplication", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(RegisterApplicationRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.registerApplication(ctx, req)
		}),
		unaryMethod("UpdateApplication", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(UpdateApplicationRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.updateApplication(ctx, req)
		}),
		unaryMethod("UnregisterApplication", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(UnregisterApplicationRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.unregisterApplication(ctx, req)
		}),
		unaryMethod("GetApplication", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(GetApplicationRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.getApplication(ctx, req)
		}),
		unaryMethod("ListApplication", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(ListApplicationRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.listApplication(ctx, req)
		}),
		unaryMethod("CreateSession", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(CreateSessionRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.createSession(ctx, req)
		}),
		unaryMethod("OpenSession", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(OpenSessionRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.openSession(ctx, req)
		}),
		unaryMethod("CloseSession", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(SessionIDRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.closeSession(ctx, req)
		}),
		unaryMethod("GetSession", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(SessionIDRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.getSession(ctx, req)
		}),
		unaryMethod("ListSession", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(ListSessionRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.listSession(ctx, req)
		}),
		unaryMethod("CreateTask", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(CreateTaskRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.createTask(ctx, req)
		}),
		unaryMethod("GetTask", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(TaskIDRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.getTask(ctx, req)
		}),
		unaryMethod("ListTask", func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error) {
			req := new(ListTaskRequest)
			if err := dec(req); err != nil {
				return nil, err
			}
			return s.listTask(ctx, req)
		}),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName: "WatchTasks",
			Handler: func(srv interface{}, stream grpc.ServerStream) error {
				return srv.(*Server).watchTasks(srv, stream)
			},
			ServerStreams: true,
		},
	},
	Metadata: "flame/frontend.proto",
}

// unaryMethod adapts a typed (*Server, context.Context, dec) handler into
// the grpc.MethodDesc shape, matching what protoc-gen-go-grpc generates.
// Interceptors aren't wired through: none of the example repos' gRPC
// servers install unary interceptors, so there's nothing in the pack to
// ground that plumbing on.
func unaryMethod(name string, fn func(s *Server, ctx context.Context, dec func(interface{}) error) (interface{}, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return fn(srv.(*Server), ctx, dec)
		},
	}
}

// RegisterServer attaches the frontend service to a *grpc.Server.
func RegisterServer(gs *grpc.Server, srv *Server) {
	gs.RegisterService(&ServiceDesc, srv)
}
