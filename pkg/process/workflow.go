package process

import (
	"fmt"
	"iter"
	"log/slog"
	"sort"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/task"
)

// workflowExit is the condition target that terminates the workflow.
const workflowExit = "exit"

// loopState tracks a loop task's progress through its items.
type loopState struct {
	items     []string
	index     int
	remaining int
}

// Workflow walks the task graph from the start task, following decision
// conditions and loop bookkeeping, bounded by maxIter emissions. A
// workflow exit for any reason leaves executed tasks with their last
// status and result.
func (e *Engine) Workflow() iter.Seq[int] {
	return func(yield func(int) bool) {
		tasks := e.reg.Tasks()
		if len(tasks) == 0 {
			return
		}

		e.buildReverseEdges()

		current := e.findStart()
		if current == nil {
			return
		}

		// Loop start tasks materialize one child per input item; the first
		// child becomes the new start.
		if current.TaskType == task.TypeLoop {
			if current.InputFile == "" {
				current.InputFile = "tasks.csv"
			}
			newStart, err := e.materializeLoop(current)
			if err != nil {
				slog.Error("Failed to read loop input, ending workflow", "task", current.DisplayName(), "error", err)
				current.Status = task.StatusFailed
				return
			}
			if newStart != nil {
				current = newStart
			}
		}

		loops := make(map[string]*loopState)

		for iterCount := 1; current != nil; iterCount++ {
			if iterCount > e.maxIter {
				slog.Info("Max iteration limit reached, ending workflow", "max_iter", e.maxIter)
				return
			}

			slog.Info("Executing workflow task", "task", current.DisplayName())

			e.injectPreviousContext(current)

			if !yield(current.ID) {
				return
			}

			// Workflow tasks may be revisited; reset so the retry loop
			// will run them again on the next emission.
			if current.Status == task.StatusCompleted {
				current.Status = task.StatusNotStarted
			}

			if current.TaskType == task.TypeLoop {
				e.advanceLoop(current, loops)
			}

			next, terminate := e.selectNext(current)
			if terminate {
				slog.Info("Workflow exit condition met, ending workflow")
				return
			}
			if next == nil {
				slog.Info("Workflow execution completed")
				return
			}
			current = next
		}
	}
}

// buildReverseEdges fills every task's PreviousTasks from the other tasks'
// NextTasks.
func (e *Engine) buildReverseEdges() {
	for _, t := range e.reg.Tasks() {
		for _, nextName := range t.NextTasks {
			if next, ok := e.reg.TaskByName(nextName); ok {
				next.PreviousTasks = append(next.PreviousTasks, t.Name)
			}
		}
	}
}

func (e *Engine) findStart() *task.Task {
	tasks := e.reg.Tasks()
	for _, t := range tasks {
		if t.IsStart {
			return t
		}
	}
	slog.Info("No start task marked, using first task")
	return tasks[0]
}

// materializeLoop reads the loop task's input file eagerly and registers
// one child task per item, chained in order. Returns the new start task.
func (e *Engine) materializeLoop(parent *task.Task) (*task.Task, error) {
	items, err := readLoopItems(parent.InputFile)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("loop input file %s holds no items", parent.InputFile)
	}

	var children []*task.Task
	for i, item := range items {
		child, err := task.New(task.Config{
			Name:        item,
			Description: item,
			Agent:       parent.AgentName,
			TaskType:    task.TypeTask,
			IsStart:     i == 0,
			Condition: map[string][]string{
				"complete": {workflowExit},
				"retry":    {item},
			},
		})
		if err != nil {
			return nil, err
		}
		child.ExpectedOutput = parent.ExpectedOutput

		e.reg.RegisterTask(child)
		children = append(children, child)

		if i > 0 {
			prev := children[i-1]
			prev.NextTasks = []string{child.Name}
			prev.Condition["complete"] = []string{child.Name}
			child.PreviousTasks = append(child.PreviousTasks, prev.Name)
		}
	}

	// The parent loop task is replaced by its children
	parent.IsStart = false
	parent.Status = task.StatusCompleted

	slog.Info("Created tasks from loop input", "count", len(children), "file", parent.InputFile)
	return children[0], nil
}

// injectPreviousContext appends an "Input data from previous tasks" block
// to the task's description: one line per completed previous task and one
// per completed context task with a different name. The mutation is
// deliberate source-compatible behavior; growth is bounded by maxIter.
func (e *Engine) injectPreviousContext(t *task.Task) {
	if len(t.PreviousTasks) == 0 && len(t.Context) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString("\nInput data from previous tasks:")
	wrote := false

	for _, prevName := range t.PreviousTasks {
		prev, ok := e.reg.TaskByName(prevName)
		if !ok || prev.Result == nil {
			continue
		}
		b.WriteString(fmt.Sprintf("\n%s: %s", prevName, prev.Result.Raw))
		wrote = true
	}

	for _, item := range t.Context {
		ref, ok := item.(task.ContextTask)
		if !ok || ref.Name == t.Name {
			continue
		}
		ctxTask, ok := e.reg.TaskByName(ref.Name)
		if !ok || ctxTask.Result == nil {
			continue
		}
		b.WriteString(fmt.Sprintf("\n%s: %s", ref.Name, ctxTask.Result.Raw))
		wrote = true
	}

	if wrote {
		t.Description += b.String()
	}
}

// advanceLoop advances the per-name loop record and appends the "\nmore" /
// "\ndone" suffix that drives the condition step.
func (e *Engine) advanceLoop(t *task.Task, loops map[string]*loopState) {
	key := "loop_" + t.Name
	state, ok := loops[key]
	if !ok {
		items := []string{t.DisplayName()}
		if t.InputFile != "" {
			if read, err := readLoopItems(t.InputFile); err == nil && len(read) > 0 {
				items = read
			} else if err != nil {
				slog.Warn("Failed to read loop items, treating as single item", "task", t.DisplayName(), "error", err)
			}
		}
		state = &loopState{items: items, remaining: len(items)}
		loops[key] = state
	}

	state.index++
	state.remaining = len(state.items) - state.index

	if t.Result == nil {
		return
	}
	if state.remaining > 0 {
		t.Result.Raw += "\nmore"
	} else {
		t.Result.Raw += "\ndone"
	}
}

// selectNext picks the next task: a matching decision condition wins, then
// the first entry of NextTasks, else the workflow terminates.
func (e *Engine) selectNext(t *task.Task) (*task.Task, bool) {
	if t.Result != nil && (t.TaskType == task.TypeDecision || t.TaskType == task.TypeLoop) {
		if next, terminate, matched := e.matchCondition(t); matched {
			return next, terminate
		}
	}

	if len(t.NextTasks) > 0 {
		nextName := t.NextTasks[0]
		next, ok := e.reg.TaskByName(nextName)
		if !ok {
			slog.Error("Next task not found, ending workflow", "task", nextName)
			return nil, false
		}
		return next, false
	}

	return nil, false
}

// matchCondition compares the task's decision string against its condition
// labels: exact (lowercased) match first, then substring fallback when
// enabled. Returns matched=false when no label applies.
func (e *Engine) matchCondition(t *task.Task) (next *task.Task, terminate bool, matched bool) {
	decision := strings.ToLower(strings.TrimSpace(t.Result.Decision()))

	resolve := func(targets []string) (*task.Task, bool) {
		target := ""
		if len(targets) > 0 {
			target = targets[0]
		}
		if target == "" || strings.EqualFold(target, workflowExit) {
			return nil, true
		}
		nextTask, ok := e.reg.TaskByName(target)
		if !ok {
			slog.Error("Decision target not found, ending workflow", "target", target)
			return nil, true
		}
		return nextTask, false
	}

	// Exact label match
	for label, targets := range t.Condition {
		if strings.ToLower(label) == decision {
			nextTask, term := resolve(targets)
			return nextTask, term, true
		}
	}

	if !e.rawFallback {
		return nil, false, false
	}

	// Compatibility fallback: substring match against free-form text, in
	// deterministic label order
	labels := make([]string, 0, len(t.Condition))
	for label := range t.Condition {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	for _, label := range labels {
		if strings.Contains(decision, strings.ToLower(label)) {
			nextTask, term := resolve(t.Condition[label])
			return nextTask, term, true
		}
	}

	return nil, false, false
}
