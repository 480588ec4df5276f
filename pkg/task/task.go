// Package task defines the declarative unit of work the orchestrator
// executes, and its output. Relations between tasks and agents are keyed by
// name through the orchestrator's registries; tasks never hold pointers
// back into the object graph.
package task

import (
	"context"
	"fmt"
	"time"

	"github.com/ensembleworks/ensemble/pkg/tools"
)

// Status of a task within a run.
type Status string

const (
	StatusNotStarted Status = "not started"
	StatusInProgress Status = "in progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Type distinguishes plain tasks from workflow decision and loop tasks.
type Type string

const (
	TypeTask     Type = "task"
	TypeDecision Type = "decision"
	TypeLoop     Type = "loop"
)

// ContextItem is one element of a task's context: a literal string, a list
// of literals, a reference to another task's output, or a knowledge-search
// descriptor.
type ContextItem interface {
	contextItem()
}

// ContextString is a literal string injected into the prompt.
type ContextString string

// ContextList is a list of literals, space-joined into the prompt.
type ContextList []string

// ContextTask references another task in the same run by name; its raw
// output (when completed) is injected into the prompt.
type ContextTask struct {
	Name string
}

// ContextKnowledge runs a knowledge search with Query (the task description
// when Query is empty) and inlines the hits.
type ContextKnowledge struct {
	Query  string
	Config map[string]any
}

func (ContextString) contextItem()    {}
func (ContextList) contextItem()      {}
func (ContextTask) contextItem()      {}
func (ContextKnowledge) contextItem() {}

// Callback runs after a task completes. Errors are logged, not fatal.
type Callback func(ctx context.Context, output *Output) error

// Config declares a task.
type Config struct {
	Name           string
	Description    string
	ExpectedOutput string

	// Agent is the name of the executing agent. May be empty in
	// hierarchical mode, where the manager assigns one.
	Agent string

	// Tools overrides the agent's tool list for this task.
	Tools []tools.Tool

	// Context elements are resolved and injected into the prompt.
	Context []ContextItem

	// Exactly one of OutputJSON / OutputType may be set.
	// OutputJSON declares a JSON schema the raw output is parsed against.
	OutputJSON map[string]any
	// OutputType is a factory returning a fresh prototype the parsed JSON
	// is decoded into.
	OutputType func() any

	OutputFile      string
	CreateDirectory bool

	// Images holds local paths or http(s) URLs for multimodal prompts.
	Images []string

	// Workflow metadata.
	TaskType  Type
	IsStart   bool
	InputFile string
	// Condition maps a lowercase decision label to the next task name(s);
	// the literal "exit" (or "") terminates the workflow.
	Condition map[string][]string
	NextTasks []string

	Callback     Callback
	QualityCheck bool

	AsyncExecution   bool
	MaxExecutionTime time.Duration
}

// Task is a registered task. ID is assigned at registration and immutable
// for the run.
type Task struct {
	ID   int
	Name string

	Description    string
	ExpectedOutput string
	AgentName      string
	Tools          []tools.Tool
	Context        []ContextItem

	OutputJSON      map[string]any
	OutputType      func() any
	OutputFile      string
	CreateDirectory bool
	Images          []string

	TaskType      Type
	IsStart       bool
	InputFile     string
	Condition     map[string][]string
	NextTasks     []string
	PreviousTasks []string

	Callback     Callback
	QualityCheck bool

	AsyncExecution   bool
	MaxExecutionTime time.Duration

	Status Status
	Result *Output
}

// New validates a task declaration.
func New(cfg Config) (*Task, error) {
	if cfg.Description == "" {
		return nil, fmt.Errorf("task description is required")
	}
	if cfg.OutputJSON != nil && cfg.OutputType != nil {
		return nil, fmt.Errorf("task %q: at most one of OutputJSON and OutputType may be set", cfg.Name)
	}

	taskType := cfg.TaskType
	if taskType == "" {
		taskType = TypeTask
	}

	return &Task{
		ID:               -1, // assigned at registration
		Name:             cfg.Name,
		Description:      cfg.Description,
		ExpectedOutput:   cfg.ExpectedOutput,
		AgentName:        cfg.Agent,
		Tools:            cfg.Tools,
		Context:          cfg.Context,
		OutputJSON:       cfg.OutputJSON,
		OutputType:       cfg.OutputType,
		OutputFile:       cfg.OutputFile,
		CreateDirectory:  cfg.CreateDirectory,
		Images:           cfg.Images,
		TaskType:         taskType,
		IsStart:          cfg.IsStart,
		InputFile:        cfg.InputFile,
		Condition:        cfg.Condition,
		NextTasks:        cfg.NextTasks,
		Callback:         cfg.Callback,
		QualityCheck:     cfg.QualityCheck,
		AsyncExecution:   cfg.AsyncExecution,
		MaxExecutionTime: cfg.MaxExecutionTime,
		Status:           StatusNotStarted,
	}, nil
}

// DisplayName is the name when set, the description otherwise.
func (t *Task) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.Description
}
