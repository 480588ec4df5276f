// Package ensemble is a multi-agent orchestration runtime.
//
// Ensemble drives a set of conversational LLM agents through a collection
// of tasks under one of several execution processes, coordinates per-task
// tool invocations, and persists conversational and semantic state across
// runs via a pluggable memory layer.
//
// # Quick Start
//
//	researcher, _ := agent.New(agent.Config{
//	    Name:  "Researcher",
//	    Role:  "Researcher",
//	    Goal:  "Find accurate information",
//	    Model: "openai/gpt-4o-mini",
//	})
//	writer, _ := agent.New(agent.Config{
//	    Name:  "Writer",
//	    Role:  "Writer",
//	    Goal:  "Write compelling text",
//	    Model: "openai/gpt-4o-mini",
//	})
//
//	find, _ := task.New(task.Config{
//	    Description:    "Find 3 prime numbers",
//	    ExpectedOutput: "list",
//	    Agent:          "Researcher",
//	})
//	haiku, _ := task.New(task.Config{
//	    Description:    "Write a haiku using them",
//	    ExpectedOutput: "haiku",
//	    Agent:          "Writer",
//	})
//
//	o, _ := orchestrator.New(orchestrator.Config{
//	    Agents: []*agent.Agent{researcher, writer},
//	    Tasks:  []*task.Task{find, haiku},
//	})
//	result, _ := o.Start(context.Background())
//
// # Packages
//
//   - pkg/agent: the conversational loop — tool calls, reflection, sessions
//   - pkg/task: declarative tasks and their outputs
//   - pkg/orchestrator: registries, retries, prompt assembly, run state
//   - pkg/process: sequential, workflow and hierarchical execution
//   - pkg/memory: short/long-term, entity and user memory with promotion
//   - pkg/knowledge: snippet search consumed by agents
//   - pkg/llms: OpenAI and Anthropic chat-completion providers
//   - pkg/tools: the tool ABI and schema reflection
package ensemble
