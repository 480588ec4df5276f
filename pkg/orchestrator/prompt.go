package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/ensembleworks/ensemble/pkg/knowledge"
	"github.com/ensembleworks/ensemble/pkg/task"
)

const promptFooter = "Please provide only the final result of your work. Do not add any conversation or extra explanation."

// BuildTaskPrompt assembles the text sent to the task's agent. It is a
// pure function of the task, the resolved context and the memory context:
// the stored task description is never mutated here.
func BuildTaskPrompt(ctx context.Context, t *task.Task, lookup func(name string) (*task.Task, bool), kb knowledge.Knowledge, memoryContext string) string {
	var b strings.Builder

	b.WriteString(fmt.Sprintf("You need to do the following task: %s.\nExpected Output: %s.\n",
		t.Description, t.ExpectedOutput))

	if len(t.Context) > 0 {
		b.WriteString("\nContext:\n")

		seen := make(map[string]bool)
		for _, item := range t.Context {
			line := contextLine(ctx, t, item, lookup, kb)
			if line == "" || seen[line] {
				continue
			}
			seen[line] = true
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	if memoryContext != "" {
		b.WriteString("\n\nRelevant memory context:\n")
		b.WriteString(memoryContext)
		b.WriteString("\n")
	}

	b.WriteString(promptFooter)
	return b.String()
}

func contextLine(ctx context.Context, t *task.Task, item task.ContextItem, lookup func(name string) (*task.Task, bool), kb knowledge.Knowledge) string {
	switch v := item.(type) {
	case task.ContextString:
		return fmt.Sprintf("Input Content:\n%s", string(v))

	case task.ContextList:
		return fmt.Sprintf("Input Content: %s", strings.Join(v, " "))

	case task.ContextTask:
		ref, ok := lookup(v.Name)
		if !ok {
			return fmt.Sprintf("Previous task %s has no result yet.", v.Name)
		}
		if ref.Status == task.StatusCompleted && ref.Result != nil {
			return fmt.Sprintf("Result of previous task %s:\n%s", ref.DisplayName(), ref.Result.Raw)
		}
		return fmt.Sprintf("Previous task %s has no result yet.", ref.DisplayName())

	case task.ContextKnowledge:
		if kb == nil {
			return "[Vector DB Error]: no knowledge store configured"
		}
		query := v.Query
		if query == "" {
			query = t.Description
		}
		snippets, err := kb.Search(ctx, query, knowledge.SearchOptions{})
		if err != nil {
			return fmt.Sprintf("[Vector DB Error]: %v", err)
		}
		texts := make([]string, 0, len(snippets))
		for _, s := range snippets {
			texts = append(texts, s.Text)
		}
		return fmt.Sprintf("[DB Context]: %s", strings.Join(texts, "\n"))
	}

	return ""
}
