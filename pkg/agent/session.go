package agent

import (
	"context"
	"sync"

	"github.com/ensembleworks/ensemble/pkg/llms"
)

// HistoryStore persists per-user chat histories for session-aware callers
// (bot front-ends sharing one agent across many human conversations).
type HistoryStore interface {
	Load(userID string) ([]llms.Message, error)
	Save(userID string, history []llms.Message) error
}

// MemoryHistoryStore is the in-process HistoryStore.
type MemoryHistoryStore struct {
	mu        sync.RWMutex
	histories map[string][]llms.Message
}

func NewMemoryHistoryStore() *MemoryHistoryStore {
	return &MemoryHistoryStore{histories: make(map[string][]llms.Message)}
}

func (s *MemoryHistoryStore) Load(userID string) ([]llms.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.histories[userID]
	out := make([]llms.Message, len(history))
	copy(out, history)
	return out, nil
}

func (s *MemoryHistoryStore) Save(userID string, history []llms.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]llms.Message, len(history))
	copy(out, history)
	s.histories[userID] = out
	return nil
}

// SessionManager multiplexes one configured agent across many user
// sessions: per chat it swaps the agent's history with the user's, runs the
// turn, and swaps back. Swaps are serialized on the manager's mutex, which
// also satisfies the agent's single-in-flight-chat expectation; callers
// needing real parallelism should Clone the agent per session instead.
type SessionManager struct {
	mu    sync.Mutex
	agent *Agent
	store HistoryStore
}

func NewSessionManager(agent *Agent, store HistoryStore) *SessionManager {
	if store == nil {
		store = NewMemoryHistoryStore()
	}
	return &SessionManager{agent: agent, store: store}
}

// Chat runs one turn in the given user's session.
func (m *SessionManager) Chat(ctx context.Context, userID, prompt string, opts *ChatOptions) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := m.agent.History()
	defer m.agent.SetHistory(saved)

	history, err := m.store.Load(userID)
	if err != nil {
		return "", err
	}
	m.agent.SetHistory(history)

	response, chatErr := m.agent.Chat(ctx, prompt, opts)
	if chatErr == nil {
		if err := m.store.Save(userID, m.agent.History()); err != nil {
			return response, err
		}
	}
	return response, chatErr
}

// ClearSession drops a user's stored history.
func (m *SessionManager) ClearSession(userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.store.Save(userID, nil)
}
