package backend

import (
	"context"

	"google.golang.org/grpc"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/rpc/jsoncodec"
)

// Client is a hand-written gRPC client for the backend surface, used by
// the node agent and executor agent instead of a protoc-generated stub.
type Client struct {
	conn *grpc.ClientConn
}

// NewClient wraps an already-dialed connection to the session manager.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	fullMethod := "/" + ServiceName + "/" + method
	return c.conn.Invoke(ctx, fullMethod, req, resp, grpc.CallContentSubtype(jsoncodec.Name))
}

func (c *Client) RegisterNode(ctx context.Context, node *apis.Node) (*apis.Node, error) {
	resp := new(apis.Node)
	if err := c.invoke(ctx, "RegisterNode", &RegisterNodeRequest{Node: node}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) SyncNode(ctx context.Context, nodeName string, executorIDs []string) (*SyncNodeResponse, error) {
	resp := new(SyncNodeResponse)
	req := &SyncNodeRequest{NodeName: nodeName, ExecutorIDs: executorIDs}
	if err := c.invoke(ctx, "SyncNode", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ReleaseNode(ctx context.Context, name string) error {
	return c.invoke(ctx, "ReleaseNode", &ReleaseNodeRequest{Name: name}, new(emptyResponse))
}

// BindSession long-polls for a session assignment; it blocks until the
// server binds this executor or ctx is cancelled.
func (c *Client) BindSession(ctx context.Context, execID string) (*apis.Session, error) {
	resp := new(apis.Session)
	if err := c.invoke(ctx, "BindSession", &ExecutorIDRequest{ExecutorID: execID}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) BindSessionCompleted(ctx context.Context, execID string) error {
	return c.invoke(ctx, "BindSessionCompleted", &ExecutorIDRequest{ExecutorID: execID}, new(apis.Executor))
}

// LaunchTask long-polls for the next task; a nil task with a nil error
// means the executor is being unbound and should stop asking.
func (c *Client) LaunchTask(ctx context.Context, execID string) (*apis.Task, error) {
	resp := new(apis.Task)
	if err := c.invoke(ctx, "LaunchTask", &ExecutorIDRequest{ExecutorID: execID}, resp); err != nil {
		return nil, err
	}
	if resp.ID.SessionID == "" {
		return nil, nil
	}
	return resp, nil
}

func (c *Client) CompleteTask(ctx context.Context, execID string, taskID uint64, state apis.TaskState, output []byte) error {
	req := &CompleteTaskRequest{ExecutorID: execID, TaskID: taskID, State: state, Output: output}
	return c.invoke(ctx, "CompleteTask", req, new(apis.Task))
}

// AwaitUnbind opens the server-streamed preemption signal and blocks for
// exactly one message, confirming the executor has been put Unbinding.
func (c *Client) AwaitUnbind(ctx context.Context, execID string) error {
	desc := &grpc.StreamDesc{StreamName: "UnbindExecutor", ServerStreams: true}
	stream, err := c.conn.NewStream(ctx, desc, "/"+ServiceName+"/UnbindExecutor", grpc.CallContentSubtype(jsoncodec.Name))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&ExecutorIDRequest{ExecutorID: execID}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	return stream.RecvMsg(new(emptyResponse))
}

func (c *Client) UnbindExecutorCompleted(ctx context.Context, execID string) error {
	return c.invoke(ctx, "UnbindExecutorCompleted", &ExecutorIDRequest{ExecutorID: execID}, new(apis.Executor))
}

func (c *Client) ReleaseExecutor(ctx context.Context, execID string) error {
	return c.invoke(ctx, "ReleaseExecutor", &ExecutorIDRequest{ExecutorID: execID}, new(emptyResponse))
}
