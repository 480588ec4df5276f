package process

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/llms"
	"github.com/ensembleworks/ensemble/pkg/task"
)

// managerTaskName identifies the transient manager task; it is never
// counted against the total.
const managerTaskName = "manager_task"

// managerInstructions is the structured record the manager model returns
// each round.
type managerInstructions struct {
	TaskID    int    `json:"task_id"`
	AgentName string `json:"agent_name"`
	Action    string `json:"action"` // "execute" or "stop"
}

var managerSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"task_id":    map[string]any{"type": "integer"},
		"agent_name": map[string]any{"type": "string"},
		"action":     map[string]any{"type": "string", "enum": []string{"execute", "stop"}},
	},
	"required":             []string{"task_id", "agent_name", "action"},
	"additionalProperties": false,
}

// taskSnapshot is one row of the status report shown to the manager.
type taskSnapshot struct {
	TaskID      int    `json:"task_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
	Agent       string `json:"agent"`
}

// Hierarchical lets a transient manager model dispatch tasks: each round
// the manager sees a snapshot of all non-manager tasks and picks the next
// one (optionally rebinding it to a different agent) or stops.
func (e *Engine) Hierarchical(ctx context.Context) iter.Seq[int] {
	return func(yield func(int) bool) {
		if e.managerLLM == nil {
			slog.Error("Hierarchical process requires a manager model")
			return
		}

		managerTask, err := task.New(task.Config{
			Name:           managerTaskName,
			Description:    "Decide the order of tasks and which agent executes them",
			ExpectedOutput: "All tasks completed successfully",
		})
		if err != nil {
			slog.Error("Failed to create manager task", "error", err)
			return
		}
		managerID := e.reg.RegisterTask(managerTask)
		slog.Info("Created manager task", "task_id", managerID)

		totalTasks := len(e.reg.Tasks()) - 1 // excluding the manager task
		completedCount := 0
		slog.Info("Hierarchical run starting", "tasks", totalTasks)

		for completedCount < totalTasks {
			instructions, err := e.askManager(ctx)
			if err != nil {
				slog.Error("Manager parse error, stopping", "error", err)
				break
			}
			slog.Info("Manager instructions",
				"task_id", instructions.TaskID,
				"agent", instructions.AgentName,
				"action", instructions.Action)

			if strings.EqualFold(instructions.Action, "stop") {
				slog.Info("Manager decided to stop task execution")
				break
			}

			selected := e.taskByID(instructions.TaskID)
			if selected == nil || selected.Name == managerTaskName {
				slog.Error("Manager selected invalid task id", "task_id", instructions.TaskID)
				break
			}

			if instructions.AgentName != "" && e.reg.AgentExists(instructions.AgentName) {
				if selected.AgentName != instructions.AgentName {
					slog.Info("Rebinding task agent",
						"task_id", selected.ID,
						"from", selected.AgentName,
						"to", instructions.AgentName)
					selected.AgentName = instructions.AgentName
				}
			}

			if selected.Status != task.StatusCompleted {
				if !yield(selected.ID) {
					return
				}
			}

			if selected.Status == task.StatusCompleted {
				completedCount++
				slog.Info("Task completed under manager supervision",
					"task_id", selected.ID,
					"completed", completedCount,
					"total", totalTasks)
			}
		}

		managerTask.Status = task.StatusCompleted
		slog.Info("Hierarchical task execution finished")
	}
}

// askManager asks the manager model which task to run next.
func (e *Engine) askManager(ctx context.Context) (managerInstructions, error) {
	var summary []taskSnapshot
	for _, t := range e.reg.Tasks() {
		if t.Name == managerTaskName {
			continue
		}
		agentName := t.AgentName
		if agentName == "" {
			agentName = "No agent"
		}
		summary = append(summary, taskSnapshot{
			TaskID:      t.ID,
			Name:        t.Name,
			Description: t.Description,
			Status:      string(t.Status),
			Agent:       agentName,
		})
	}

	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return managerInstructions{}, err
	}

	prompt := fmt.Sprintf(`Here is the current status of all tasks except yours (%s):
%s

Pick the next task to execute and the agent to run it, or stop when
everything needed is completed.`, managerTaskName, summaryJSON)

	text, err := e.managerLLM.GenerateStructured(ctx, []llms.Message{
		{Role: "system", Content: "Decide the order of tasks and which agent executes them"},
		{Role: "user", Content: prompt},
	}, managerSchema, nil)
	if err != nil {
		return managerInstructions{}, err
	}

	var instructions managerInstructions
	if err := json.Unmarshal([]byte(text), &instructions); err != nil {
		return managerInstructions{}, fmt.Errorf("failed to parse manager instructions: %w", err)
	}
	return instructions, nil
}

func (e *Engine) taskByID(id int) *task.Task {
	for _, t := range e.reg.Tasks() {
		if t.ID == id {
			return t
		}
	}
	return nil
}
