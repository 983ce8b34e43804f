// Package frontend is the client-facing gRPC surface (spec §6): session,
// task and application CRUD plus a server-streamed WatchTasks. Messages
// are plain Go structs carried over the JSON codec registered by
// pkg/rpc/jsoncodec, in place of protoc-generated types.
package frontend

import (
	"github.com/flame-sh/flame/pkg/apis"
	"github.com/flame-sh/flame/pkg/storage"
)

type RegisterApplicationRequest struct {
	Name  string                     `json:"name"`
	Attrs storage.ApplicationAttrs `json:"attrs"`
}

type UpdateApplicationRequest struct {
	Name  string                     `json:"name"`
	Attrs storage.ApplicationAttrs `json:"attrs"`
}

type UnregisterApplicationRequest struct {
	Name string `json:"name"`
}

type GetApplicationRequest struct {
	Name string `json:"name"`
}

type ListApplicationRequest struct{}

type ListApplicationResponse struct {
	Applications []*apis.Application `json:"applications"`
}

type CreateSessionRequest struct {
	ID          string `json:"id,omitempty"`
	Application string `json:"application"`
	Slots       int32  `json:"slots"`
	CommonData  []byte `json:"common_data,omitempty"`
}

type OpenSessionRequest struct {
	ID          string  `json:"id"`
	Application *string `json:"application,omitempty"`
	Slots       *int32  `json:"slots,omitempty"`
	CommonData  []byte  `json:"common_data,omitempty"`
}

type SessionIDRequest struct {
	ID string `json:"id"`
}

type ListSessionRequest struct {
	IncludeClosed bool `json:"include_closed"`
}

type ListSessionResponse struct {
	Sessions []*apis.Session `json:"sessions"`
}

type CreateTaskRequest struct {
	SessionID string `json:"session_id"`
	Input     []byte `json:"input,omitempty"`
}

type TaskIDRequest struct {
	SessionID string `json:"session_id"`
	TaskID    uint64 `json:"task_id"`
}

type ListTaskRequest struct {
	SessionID string `json:"session_id"`
}

type ListTaskResponse struct {
	Tasks []*apis.Task `json:"tasks"`
}

type WatchTasksRequest struct {
	SessionID string `json:"session_id"`
}
