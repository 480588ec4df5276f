package agent

import (
	"context"
	"testing"

	"github.com/ensembleworks/ensemble/pkg/llms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionManagerIsolatesUsers(t *testing.T) {
	provider := &mockProvider{script: []scriptedResponse{
		{text: "hello u1"},
		{text: "hello u2"},
		{text: "again u1"},
	}}
	a := newTestAgent(t, provider, nil)
	mgr := NewSessionManager(a, nil)
	ctx := context.Background()

	_, err := mgr.Chat(ctx, "u1", "hi from one", nil)
	require.NoError(t, err)
	_, err = mgr.Chat(ctx, "u2", "hi from two", nil)
	require.NoError(t, err)
	_, err = mgr.Chat(ctx, "u1", "me again", nil)
	require.NoError(t, err)

	// The third call saw only u1's history
	third := provider.request(2)
	var userContents []string
	for _, msg := range third {
		if msg.Role == "user" {
			userContents = append(userContents, msg.Content)
		}
	}
	assert.Equal(t, []string{"hi from one", "me again"}, userContents)

	// The agent's own history is untouched after each swap
	assert.Empty(t, a.History())
}

func TestSessionManagerClearSession(t *testing.T) {
	provider := &mockProvider{script: []scriptedResponse{
		{text: "first"},
		{text: "fresh"},
	}}
	a := newTestAgent(t, provider, nil)
	mgr := NewSessionManager(a, nil)
	ctx := context.Background()

	_, err := mgr.Chat(ctx, "u1", "remember this", nil)
	require.NoError(t, err)
	require.NoError(t, mgr.ClearSession("u1"))

	_, err = mgr.Chat(ctx, "u1", "what did I say?", nil)
	require.NoError(t, err)

	second := provider.request(1)
	for _, msg := range second {
		assert.NotEqual(t, "remember this", msg.Content)
	}
}

func TestMemoryHistoryStoreCopies(t *testing.T) {
	store := NewMemoryHistoryStore()

	history, err := store.Load("u1")
	require.NoError(t, err)
	assert.Empty(t, history)

	saved := []llms.Message{{Role: "user", Content: "original"}}
	require.NoError(t, store.Save("u1", saved))
	saved[0].Content = "changed after save"

	loaded, err := store.Load("u1")
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "original", loaded[0].Content)

	loaded[0].Content = "changed after load"
	again, err := store.Load("u1")
	require.NoError(t, err)
	assert.Equal(t, "original", again[0].Content)
}
