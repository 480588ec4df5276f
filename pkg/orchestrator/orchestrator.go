// Package orchestrator drives a run: it owns the agent and task
// registries, assembles prompts, executes tasks with retries under the
// configured process, and owns the shared memory instance.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ensembleworks/ensemble/pkg/agent"
	"github.com/ensembleworks/ensemble/pkg/knowledge"
	"github.com/ensembleworks/ensemble/pkg/llms"
	"github.com/ensembleworks/ensemble/pkg/memory"
	"github.com/ensembleworks/ensemble/pkg/process"
	"github.com/ensembleworks/ensemble/pkg/registry"
	"github.com/ensembleworks/ensemble/pkg/task"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	// minRetries floors the per-task retry budget.
	minRetries = 3

	// retryDelay is the pause between task attempts.
	retryDelay = time.Second
)

// CompletionChecker decides whether a task output counts as done.
type CompletionChecker func(t *task.Task, out *task.Output) bool

// DefaultCompletionChecker passes when the declared structured output is
// populated, else when the trimmed raw text is non-empty.
func DefaultCompletionChecker(t *task.Task, out *task.Output) bool {
	if out == nil {
		return false
	}
	if t.OutputJSON != nil {
		return len(out.JSON) > 0
	}
	if t.OutputType != nil {
		return out.Typed != nil
	}
	return len(strings.TrimSpace(out.Raw)) > 0
}

// Config configures an Orchestrator.
type Config struct {
	Agents []*agent.Agent
	Tasks  []*task.Task

	// Process defaults to sequential.
	Process process.Process

	// ManagerModel (provider-prefixed) or ManagerLLM back the
	// hierarchical process; ManagerLLM wins.
	ManagerModel string
	ManagerLLM   llms.StructuredProvider

	Memory    *memory.Memory
	Knowledge knowledge.Knowledge

	// MaxRetries per task, floored at 3.
	MaxRetries int

	// MaxIter bounds the workflow state machine (default 10). The
	// orchestrator owns this value and forwards it to the process engine.
	MaxIter int

	// MemoryThreshold gates promotion to long-term memory (default 0.7).
	MemoryThreshold float64

	// UserID (default "default") selects the per-user section of the memory
	// context built for each task. It is not written into memory metadata
	// and is not passed to knowledge queries.
	UserID string

	Verbose             bool
	CompletionChecker   CompletionChecker
	RawDecisionFallback *bool
}

// RunResult is what Start returns: final statuses and outputs by task id.
type RunResult struct {
	Statuses map[int]task.Status
	Results  map[int]*task.Output
}

// Orchestrator owns the task registry and the shared Memory; it lends
// tasks and memory by reference to processes and agents.
type Orchestrator struct {
	runID  string
	userID string

	agents *registry.BaseRegistry[*agent.Agent]

	tasksMu sync.Mutex
	tasks   []*task.Task

	proc       process.Process
	managerLLM llms.StructuredProvider

	memory    *memory.Memory
	knowledge knowledge.Knowledge

	maxRetries      int
	maxIter         int
	memoryThreshold float64
	rawFallback     *bool

	completion CompletionChecker
	verbose    bool

	stateMu sync.RWMutex
	state   map[string]any
}

// New validates the configuration and registers the initial agents and
// tasks.
func New(cfg Config) (*Orchestrator, error) {
	proc := cfg.Process
	if proc == "" {
		proc = process.Sequential
	}
	switch proc {
	case process.Sequential, process.Workflow, process.Hierarchical:
	default:
		return nil, fmt.Errorf("unknown process: %s", proc)
	}

	managerLLM := cfg.ManagerLLM
	if managerLLM == nil && cfg.ManagerModel != "" {
		provider, err := llms.NewForModel(cfg.ManagerModel)
		if err != nil {
			return nil, fmt.Errorf("failed to build manager model: %w", err)
		}
		structured, ok := provider.(llms.StructuredProvider)
		if !ok {
			return nil, fmt.Errorf("manager model %s does not support structured output", cfg.ManagerModel)
		}
		managerLLM = structured
	}
	if proc == process.Hierarchical && managerLLM == nil {
		return nil, fmt.Errorf("hierarchical process requires a manager model")
	}

	maxRetries := cfg.MaxRetries
	if maxRetries < minRetries {
		maxRetries = minRetries
	}
	maxIter := cfg.MaxIter
	if maxIter <= 0 {
		maxIter = process.DefaultMaxIter
	}
	threshold := cfg.MemoryThreshold
	if threshold <= 0 {
		threshold = memory.DefaultPromotionThreshold
	}

	userID := cfg.UserID
	if userID == "" {
		userID = "default"
	}

	completion := cfg.CompletionChecker
	if completion == nil {
		completion = DefaultCompletionChecker
	}

	o := &Orchestrator{
		runID:           uuid.New().String(),
		userID:          userID,
		agents:          registry.NewBaseRegistry[*agent.Agent](),
		proc:            proc,
		managerLLM:      managerLLM,
		memory:          cfg.Memory,
		knowledge:       cfg.Knowledge,
		maxRetries:      maxRetries,
		maxIter:         maxIter,
		memoryThreshold: threshold,
		rawFallback:     cfg.RawDecisionFallback,
		completion:      completion,
		verbose:         cfg.Verbose,
		state:           make(map[string]any),
	}

	for _, a := range cfg.Agents {
		if err := o.RegisterAgent(a); err != nil {
			return nil, err
		}
	}
	for _, t := range cfg.Tasks {
		if t.AgentName == "" && proc != process.Hierarchical {
			return nil, fmt.Errorf("task %q has no agent (only hierarchical runs may defer assignment)", t.DisplayName())
		}
		o.RegisterTask(t)
	}

	return o, nil
}

// RunID is the run's UUID.
func (o *Orchestrator) RunID() string { return o.runID }

// RegisterAgent adds an agent; names must be unique.
func (o *Orchestrator) RegisterAgent(a *agent.Agent) error {
	return o.agents.Register(a.Name, a)
}

// RegisterTask assigns the task its id (the insertion index, stable for
// the run) and a default name when none is set.
func (o *Orchestrator) RegisterTask(t *task.Task) int {
	o.tasksMu.Lock()
	defer o.tasksMu.Unlock()

	t.ID = len(o.tasks)
	if t.Name == "" {
		t.Name = fmt.Sprintf("task_%d", t.ID)
	}
	o.tasks = append(o.tasks, t)
	return t.ID
}

// Tasks returns the registered tasks in id order.
func (o *Orchestrator) Tasks() []*task.Task {
	o.tasksMu.Lock()
	defer o.tasksMu.Unlock()

	out := make([]*task.Task, len(o.tasks))
	copy(out, o.tasks)
	return out
}

// TaskByName resolves a task by name.
func (o *Orchestrator) TaskByName(name string) (*task.Task, bool) {
	if name == "" {
		return nil, false
	}
	o.tasksMu.Lock()
	defer o.tasksMu.Unlock()

	for _, t := range o.tasks {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// AgentExists reports whether an agent with the given name is registered.
func (o *Orchestrator) AgentExists(name string) bool {
	_, ok := o.agents.Get(name)
	return ok
}

// GetStatus returns a task's status.
func (o *Orchestrator) GetStatus(taskID int) (task.Status, error) {
	t, err := o.taskByID(taskID)
	if err != nil {
		return "", err
	}
	return t.Status, nil
}

// GetResult returns a task's output, nil when not completed.
func (o *Orchestrator) GetResult(taskID int) (*task.Output, error) {
	t, err := o.taskByID(taskID)
	if err != nil {
		return nil, err
	}
	return t.Result, nil
}

func (o *Orchestrator) taskByID(taskID int) (*task.Task, error) {
	o.tasksMu.Lock()
	defer o.tasksMu.Unlock()

	if taskID < 0 || taskID >= len(o.tasks) {
		return nil, fmt.Errorf("unknown task id %d", taskID)
	}
	return o.tasks[taskID], nil
}

// ============================================================================
// RUN STATE (scratch map scoped to the run)
// ============================================================================

// SetState stores a value in the run's scratch map.
func (o *Orchestrator) SetState(key string, value any) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	o.state[key] = value
}

// GetState reads a value from the scratch map.
func (o *Orchestrator) GetState(key string) (any, bool) {
	o.stateMu.RLock()
	defer o.stateMu.RUnlock()
	v, ok := o.state[key]
	return v, ok
}

// UpdateState applies a read-modify-write atomically. It is the only
// atomicity guarantee across concurrent callbacks.
func (o *Orchestrator) UpdateState(key string, update func(current any) any) {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	o.state[key] = update(o.state[key])
}

// ClearState drops the scratch map.
func (o *Orchestrator) ClearState() {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	o.state = make(map[string]any)
}

// ============================================================================
// RUN LOOP
// ============================================================================

// Start runs all registered tasks to completion (or retry exhaustion)
// under the configured process. Initial context items, when given, are
// appended to every task's context. On cancellation the current task is
// marked failed and the run stops at the next suspension point.
func (o *Orchestrator) Start(ctx context.Context, initialContext ...task.ContextItem) (*RunResult, error) {
	o.ensureTasks()

	slog.Info("Run starting", "run_id", o.runID, "process", string(o.proc), "tasks", len(o.Tasks()))

	if len(initialContext) > 0 {
		for _, t := range o.Tasks() {
			t.Context = append(t.Context, initialContext...)
		}
	}

	o.autoWireSequential()

	engine := process.New(process.Config{
		Registrar:           o,
		ManagerLLM:          o.managerLLM,
		MaxIter:             o.maxIter,
		RawDecisionFallback: o.rawFallback,
	})

	var runErr error

	switch o.proc {
	case process.Workflow:
		if err := o.runAsyncStartBatch(ctx); err != nil {
			runErr = err
			break
		}
		for id := range engine.Workflow() {
			if err := o.runTaskWithRetries(ctx, id); err != nil && errors.Is(err, context.Canceled) {
				runErr = err
				break
			}
		}

	case process.Hierarchical:
		for id := range engine.Hierarchical(ctx) {
			if err := o.runTaskWithRetries(ctx, id); err != nil && errors.Is(err, context.Canceled) {
				runErr = err
				break
			}
		}

	default:
		for id := range engine.Sequential() {
			if err := o.runTaskWithRetries(ctx, id); err != nil && errors.Is(err, context.Canceled) {
				runErr = err
				break
			}
		}
	}

	result := &RunResult{
		Statuses: make(map[int]task.Status),
		Results:  make(map[int]*task.Output),
	}
	for _, t := range o.Tasks() {
		result.Statuses[t.ID] = t.Status
		if t.Result != nil {
			result.Results[t.ID] = t.Result
		}
	}
	return result, runErr
}

// ensureTasks generates one task per registered agent from its
// instructions when the run was started without tasks.
func (o *Orchestrator) ensureTasks() {
	if len(o.Tasks()) > 0 {
		return
	}

	for _, a := range o.agents.List() {
		description := a.Instructions
		if description == "" {
			description = fmt.Sprintf("Act as %s and accomplish: %s", a.Role, a.Goal)
		}
		t, err := task.New(task.Config{
			Description:    description,
			ExpectedOutput: "A thorough result fulfilling the instructions",
			Agent:          a.Name,
		})
		if err != nil {
			slog.Warn("Failed to auto-generate task", "agent", a.Name, "error", err)
			continue
		}
		o.RegisterTask(t)
		slog.Info("Auto-generated task from agent instructions", "agent", a.Name, "task_id", t.ID)
	}
}

// autoWireSequential links tasks by registration order: task i feeds task
// i+1's context and next_tasks. Applied for sequential runs, and for any
// run whose tasks declare no explicit edges. This is the only automatic
// context wiring.
func (o *Orchestrator) autoWireSequential() {
	tasks := o.Tasks()
	if len(tasks) < 2 {
		return
	}

	if o.proc != process.Sequential {
		for _, t := range tasks {
			if len(t.NextTasks) > 0 {
				return
			}
		}
	}

	for i := 0; i < len(tasks)-1; i++ {
		tasks[i].NextTasks = []string{tasks[i+1].Name}
		tasks[i+1].Context = append(tasks[i+1].Context, task.ContextTask{Name: tasks[i].Name})
	}
}

// runAsyncStartBatch executes, in parallel, the workflow start tasks
// marked for async execution. The batch is awaited as a whole before the
// ordinary walk; no ordering is guaranteed inside it.
func (o *Orchestrator) runAsyncStartBatch(ctx context.Context) error {
	var batch []*task.Task
	for _, t := range o.Tasks() {
		if t.AsyncExecution && t.IsStart {
			batch = append(batch, t)
		}
	}
	if len(batch) < 2 {
		return nil
	}

	slog.Info("Running async start batch", "tasks", len(batch))

	g, gctx := errgroup.WithContext(ctx)
	for _, t := range batch {
		g.Go(func() error {
			err := o.runTaskWithRetries(gctx, t.ID)
			if errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// runTaskWithRetries repeats the task up to maxRetries times, pausing
// between attempts. Cancellation fails the task without retry.
func (o *Orchestrator) runTaskWithRetries(ctx context.Context, taskID int) error {
	t, err := o.taskByID(taskID)
	if err != nil {
		return err
	}
	if t.Status == task.StatusCompleted {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt < o.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			t.Status = task.StatusFailed
			return err
		}

		if t.Status == task.StatusFailed {
			slog.Info("Retrying failed task", "task_id", t.ID, "attempt", attempt+1)
			t.Status = task.StatusInProgress
		}

		out, err := o.executeTask(ctx, t)
		if err != nil {
			lastErr = err
			t.Status = task.StatusFailed
			slog.Warn("Task execution failed", "task_id", t.ID, "attempt", attempt+1, "error", err)
			if errors.Is(err, context.Canceled) {
				return err
			}
			if errors.Is(err, ErrResource) {
				// Missing resources don't heal between attempts
				return err
			}
		} else if o.completion(t, out) {
			t.Result = out
			t.Status = task.StatusCompleted
			o.finalizeTask(ctx, t, out)
			return nil
		} else {
			lastErr = fmt.Errorf("task %d produced no acceptable output", t.ID)
			t.Status = task.StatusFailed
			slog.Warn("Task output rejected by completion checker", "task_id", t.ID, "attempt", attempt+1)
		}

		if attempt < o.maxRetries-1 {
			select {
			case <-ctx.Done():
				t.Status = task.StatusFailed
				return ctx.Err()
			case <-time.After(retryDelay):
			}
		}
	}

	return lastErr
}

// executeTask runs one attempt: prompt assembly, agent chat, output
// post-processing.
func (o *Orchestrator) executeTask(ctx context.Context, t *task.Task) (*task.Output, error) {
	t.Status = task.StatusInProgress

	a, ok := o.agents.Get(t.AgentName)
	if !ok {
		return nil, fmt.Errorf("task %d: agent %q not registered", t.ID, t.AgentName)
	}

	memoryContext := ""
	if o.memory != nil {
		memoryContext = o.memory.BuildContextForTask(ctx, t.Description, o.userID, "", 3)
	}
	prompt := BuildTaskPrompt(ctx, t, o.TaskByName, o.knowledge, memoryContext)

	opts := &agent.ChatOptions{Tools: t.Tools}
	if t.OutputJSON != nil {
		opts.OutputJSON = t.OutputJSON
	} else if t.OutputType != nil {
		opts.OutputTyped = llms.SchemaFor(t.OutputType())
	}

	if t.MaxExecutionTime > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.MaxExecutionTime)
		defer cancel()
	}

	var raw string
	var err error
	if len(t.Images) > 0 {
		parts, perr := imageParts(prompt, t.Images)
		if perr != nil {
			return nil, perr
		}
		raw, err = a.ChatParts(ctx, parts, opts)
	} else {
		raw, err = a.Chat(ctx, prompt, opts)
	}
	if err != nil {
		return nil, err
	}

	out := task.NewOutput(t.Description, raw, a.Name)
	if perr := t.PostProcess(out); perr != nil {
		// Schema failures keep the raw text; the completion checker
		// decides whether that is acceptable
		slog.Debug("Task output post-processing failed", "task_id", t.ID, "error", perr)
	}
	return out, nil
}

// finalizeTask persists the output and runs the memory and user callbacks.
func (o *Orchestrator) finalizeTask(ctx context.Context, t *task.Task, out *task.Output) {
	if err := t.Persist(out); err != nil {
		slog.Warn("Failed to persist task output", "task_id", t.ID, "error", err)
	}

	if o.memory != nil {
		score := 0.0
		if t.QualityCheck && o.memory.HasJudge() {
			metrics := o.memory.CalculateQualityMetrics(ctx, out.Raw, t.ExpectedOutput)
			score = metrics.Accuracy
		}
		o.memory.FinalizeTaskOutput(ctx, out.Raw, out.Agent, score, o.memoryThreshold)
	}

	if t.Callback != nil {
		if err := t.Callback(ctx, out); err != nil {
			slog.Warn("Task callback failed", "task_id", t.ID, "error", err)
		}
	}

	if o.verbose {
		slog.Info("Task completed", "task_id", t.ID, "task", t.DisplayName(), "agent", out.Agent)
	}
}
