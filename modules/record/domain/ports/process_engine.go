package ports

import "context"

// ProcessInstance is one running workflow process tied to a record through
// its business key.
type ProcessInstance struct {
	ID           string
	DefinitionID string
	BusinessKey  string
}

// Task is one open workflow task, reduced to the fields the resolver serves;
// engine link and embedding metadata never crosses this port.
type Task struct {
	ID            string
	Name          string
	DefinitionKey string
	Assignee      string
	Created       string
}

// Variable is an engine-typed process variable value.
type Variable struct {
	Value any    `json:"value"`
	Type  string `json:"type"`
}

// TaskQuery narrows task listing; zero values mean unfiltered.
type TaskQuery struct {
	BusinessKey string
	TaskID      string
}

// ProcessEngine is the workflow collaborator. Calls may block or fail
// transiently; issued calls are not retracted when the caller goes away.
type ProcessEngine interface {
	StartProcess(ctx context.Context, processKey string, businessKey string) (ProcessInstance, error)
	ProcessInstances(ctx context.Context, businessKey string, processKey string) ([]ProcessInstance, error)
	DeleteProcessInstance(ctx context.Context, id string) error
	Tasks(ctx context.Context, q TaskQuery) ([]Task, error)
	CompleteTask(ctx context.Context, taskID string, variables map[string]Variable) error
}
