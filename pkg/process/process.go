// Package process implements the three execution strategies over the task
// graph: sequential, workflow (a bounded decision/loop state machine) and
// hierarchical (an LLM manager dispatches).
//
// Each strategy is a lazy iterator over task ids. The orchestrator executes
// the yielded task inside its loop body, so when yield returns the strategy
// can observe the task's result and pick the next step, the same contract
// a generator gives.
package process

import (
	"iter"

	"github.com/ensembleworks/ensemble/pkg/llms"
	"github.com/ensembleworks/ensemble/pkg/task"
)

// Process names an execution strategy.
type Process string

const (
	Sequential   Process = "sequential"
	Workflow     Process = "workflow"
	Hierarchical Process = "hierarchical"
)

// DefaultMaxIter bounds the workflow state machine.
const DefaultMaxIter = 10

// Registrar is the orchestrator-owned id space the engine works against.
// The engine registers transient tasks (manager task, materialized loop
// children) through it and never assigns ids itself.
type Registrar interface {
	RegisterTask(t *task.Task) int
	Tasks() []*task.Task
	TaskByName(name string) (*task.Task, bool)
	AgentExists(name string) bool
}

// Config configures an Engine.
type Config struct {
	Registrar  Registrar
	ManagerLLM llms.StructuredProvider // hierarchical only

	// MaxIter bounds workflow emissions; the orchestrator owns the
	// authoritative value and forwards it here.
	MaxIter int

	// RawDecisionFallback enables substring matching of condition labels
	// against free-form decision text when no exact label matches. On by
	// default for compatibility with structured-less models.
	RawDecisionFallback *bool
}

// Engine drives one run's task graph.
type Engine struct {
	reg         Registrar
	managerLLM  llms.StructuredProvider
	maxIter     int
	rawFallback bool
}

func New(cfg Config) *Engine {
	maxIter := cfg.MaxIter
	if maxIter <= 0 {
		maxIter = DefaultMaxIter
	}
	rawFallback := true
	if cfg.RawDecisionFallback != nil {
		rawFallback = *cfg.RawDecisionFallback
	}
	return &Engine{
		reg:         cfg.Registrar,
		managerLLM:  cfg.ManagerLLM,
		maxIter:     maxIter,
		rawFallback: rawFallback,
	}
}

// Sequential yields every registered task id in registration order,
// skipping tasks that are already completed.
func (e *Engine) Sequential() iter.Seq[int] {
	return func(yield func(int) bool) {
		for _, t := range e.reg.Tasks() {
			if t.Status == task.StatusCompleted {
				continue
			}
			if !yield(t.ID) {
				return
			}
		}
	}
}
