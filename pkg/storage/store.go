// Package storage defines the durable state store for applications,
// sessions and tasks (spec §4.1) and a Postgres-backed implementation.
package storage

import "github.com/flame-sh/flame/pkg/apis"

// ApplicationAttrs is the mutable attribute set of an Application, used by
// both RegisterApplication and UpdateApplication.
type ApplicationAttrs struct {
	Shim             apis.ShimKind
	Image            string
	Command          string
	Arguments        []string
	Environments     map[string]string
	WorkingDirectory string
	InputSchema      string
	OutputSchema     string
	CommonSchema     string
	MaxInstances     int32
	DelayRelease     int64 // nanoseconds, matches time.Duration
	Description      string
	Labels           map[string]string
}

// SessionSpec is the spec carried by CreateSession/OpenSession.
type SessionSpec struct {
	Application string
	Slots       int32
	CommonData  []byte
}

// Store is the transactional interface to the durable engine. Every
// mutating method is one transaction; cross-entity invariant checks run in
// the same transaction as the mutation they guard.
type Store interface {
	RegisterApplication(name string, attrs ApplicationAttrs) (*apis.Application, error)
	UpdateApplication(name string, attrs ApplicationAttrs) (*apis.Application, error)
	UnregisterApplication(name string) error
	FindApplication(name string) (*apis.Application, error)
	ListApplications() ([]*apis.Application, error)

	CreateSession(id string, spec SessionSpec) (*apis.Session, error)
	OpenSession(id string, spec *SessionSpec) (*apis.Session, error)
	CloseSession(id string) (*apis.Session, error)
	DeleteSession(id string) (*apis.Session, error)
	FindSession(id string) (*apis.Session, error)
	ListSessions(includeClosed bool) ([]*apis.Session, error)

	CreateTask(sessionID string, input []byte) (*apis.Task, error)
	UpdateTaskState(id apis.TaskID, state apis.TaskState, message string) (*apis.Task, error)
	UpdateTaskResult(id apis.TaskID, state apis.TaskState, output []byte) (*apis.Task, error)
	RetryTask(id apis.TaskID) (*apis.Task, error)
	FindTask(id apis.TaskID) (*apis.Task, error)
	FindTasks(sessionID string) ([]*apis.Task, error)

	Close() error
}
