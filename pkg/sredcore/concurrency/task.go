package concurrency

import "context"

// Task is a unit of work an Executor can run.
type Task interface {
	Execute(ctx context.Context) error
	Name() string
}

// TaskFunc adapts a plain function into a Task.
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }
func (f TaskFunc) Name() string                      { return "anonymous" }

// NamedTask wraps a TaskFunc with a name, used in logs and metrics.
type NamedTask struct {
	TaskName string
	Fn       TaskFunc
}

func NewNamedTask(name string, fn TaskFunc) Task {
	return &NamedTask{TaskName: name, Fn: fn}
}

func (t *NamedTask) Execute(ctx context.Context) error { return t.Fn(ctx) }
func (t *NamedTask) Name() string                      { return t.TaskName }
