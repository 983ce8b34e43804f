package frontend

import (
	"context"

	"google.golang.org/grpc"

	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/rpc/jsoncodec"
	"github.com/flame-sh/flame/pkg/storage"
)

// Client is a hand-written gRPC client for the frontend surface, used by
// CLI tools, SDKs and the executor agent's application lookups instead of
// a protoc-generated stub.
type Client struct {
	conn *grpc.ClientConn
}

func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	fullMethod := "/" + ServiceName + "/" + method
	return c.conn.Invoke(ctx, fullMethod, req, resp, grpc.CallContentSubtype(jsoncodec.Name))
}

func (c *Client) RegisterApplication(ctx context.Context, name string, attrs storage.ApplicationAttrs) (*apis.Application, error) {
	resp := new(apis.Application)
	req := &RegisterApplicationRequest{Name: name, Attrs: attrs}
	if err := c.invoke(ctx, "RegisterApplication", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetApplication(ctx context.Context, name string) (*apis.Application, error) {
	resp := new(apis.Application)
	if err := c.invoke(ctx, "GetApplication", &GetApplicationRequest{Name: name}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ListApplication(ctx context.Context) ([]*apis.Application, error) {
	resp := new(ListApplicationResponse)
	if err := c.invoke(ctx, "ListApplication", &ListApplicationRequest{}, resp); err != nil {
		return nil, err
	}
	return resp.Applications, nil
}

func (c *Client) CreateSession(ctx context.Context, id, application string, slots int32, commonData []byte) (*apis.Session, error) {
	resp := new(apis.Session)
	req := &CreateSessionRequest{ID: id, Application: application, Slots: slots, CommonData: commonData}
	if err := c.invoke(ctx, "CreateSession", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) CloseSession(ctx context.Context, id string) (*apis.Session, error) {
	resp := new(apis.Session)
	if err := c.invoke(ctx, "CloseSession", &SessionIDRequest{ID: id}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetSession(ctx context.Context, id string) (*apis.Session, error) {
	resp := new(apis.Session)
	if err := c.invoke(ctx, "GetSession", &SessionIDRequest{ID: id}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) CreateTask(ctx context.Context, sessionID string, input []byte) (*apis.Task, error) {
	resp := new(apis.Task)
	req := &CreateTaskRequest{SessionID: sessionID, Input: input}
	if err := c.invoke(ctx, "CreateTask", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) GetTask(ctx context.Context, sessionID string, taskID uint64) (*apis.Task, error) {
	resp := new(apis.Task)
	req := &TaskIDRequest{SessionID: sessionID, TaskID: taskID}
	if err := c.invoke(ctx, "GetTask", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) ListTask(ctx context.Context, sessionID string) ([]*apis.Task, error) {
	resp := new(ListTaskResponse)
	if err := c.invoke(ctx, "ListTask", &ListTaskRequest{SessionID: sessionID}, resp); err != nil {
		return nil, err
	}
	return resp.Tasks, nil
}
