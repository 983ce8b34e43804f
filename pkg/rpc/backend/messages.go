// Package backend is the executor-facing gRPC surface (spec §6):
// register/sync node, bind-session/launch-task long-polls, completion
// callbacks. Messages are plain Go structs over the JSON codec
// registered by pkg/rpc/jsoncodec.
package backend

import "github.com/flame-sh/flame/pkg/apis"

type RegisterNodeRequest struct {
	Node *apis.Node `json:"node"`
}

type SyncNodeRequest struct {
	NodeName    string   `json:"node_name"`
	ExecutorIDs []string `json:"executor_ids"`
}

type SyncNodeResponse struct {
	ExecutorsToRun []*apis.Executor `json:"executors_to_run"`
	ToRelease      []string         `json:"to_release"`
}

type ReleaseNodeRequest struct {
	Name string `json:"name"`
}

type ExecutorIDRequest struct {
	ExecutorID string `json:"executor_id"`
}

type CompleteTaskRequest struct {
	ExecutorID string         `json:"executor_id"`
	TaskID     uint64         `json:"task_id"`
	State      apis.TaskState `json:"state"`
	Output     []byte         `json:"output,omitempty"`
}

type emptyResponse struct{}
