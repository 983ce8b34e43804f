package shim

import (
	"context"
	"fmt"

	"google.golang.org/grpc"

	"github.com/flame-sh/flame/pkg/rpc/jsoncodec"
)

// instanceServiceName is the gRPC service every shim binary must expose
// over its Unix socket, mirroring grpc_shim.rs's InstanceClient surface.
const instanceServiceName = "flame.Instance"

type sessionEnterRequest struct {
	SessionID   string `json:"session_id"`
	Application string `json:"application"`
	Slots       int32  `json:"slots"`
	CommonData  []byte `json:"common_data,omitempty"`
}

type taskInvokeRequest struct {
	SessionID string `json:"session_id"`
	TaskID    uint64 `json:"task_id"`
	Input     []byte `json:"input,omitempty"`
}

type taskInvokeResponse struct {
	Output     []byte `json:"output,omitempty"`
	ReturnCode int32  `json:"return_code"`
	Message    string `json:"message,omitempty"`
}

type instanceResponse struct {
	ReturnCode int32  `json:"return_code"`
	Message    string `json:"message,omitempty"`
}

type emptyRequest struct{}

// instanceClient is a thin hand-written gRPC client for the shim binary's
// InstanceClient surface, in place of a protoc-generated stub (same
// rationale as pkg/rpc/frontend: no .proto sources exist in this pack).
type instanceClient struct {
	conn *grpc.ClientConn
}

func (c *instanceClient) onSessionEnter(ctx context.Context, req *sessionEnterRequest) error {
	resp := new(instanceResponse)
	if err := c.invoke(ctx, "OnSessionEnter", req, resp); err != nil {
		return err
	}
	if resp.ReturnCode != 0 {
		return fmt.Errorf("on_session_enter failed: %s", resp.Message)
	}
	return nil
}

func (c *instanceClient) onTaskInvoke(ctx context.Context, req *taskInvokeRequest) (*taskInvokeResponse, error) {
	resp := new(taskInvokeResponse)
	if err := c.invoke(ctx, "OnTaskInvoke", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *instanceClient) onSessionLeave(ctx context.Context) error {
	resp := new(instanceResponse)
	if err := c.invoke(ctx, "OnSessionLeave", &emptyRequest{}, resp); err != nil {
		return err
	}
	if resp.ReturnCode != 0 {
		return fmt.Errorf("on_session_leave failed: %s", resp.Message)
	}
	return nil
}

func (c *instanceClient) invoke(ctx context.Context, method string, req, resp interface{}) error {
	fullMethod := "/" + instanceServiceName + "/" + method
	return c.conn.Invoke(ctx, fullMethod, req, resp, grpc.CallContentSubtype(jsoncodec.Name))
}
