package chat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedConversation(t *testing.T, client *Client, text string) string {
	t.Helper()
	result, err := client.Generate(context.Background(), text, GenerateOptions{})
	require.NoError(t, err)
	return result.ConversationID
}

func TestSaveConversationStateAndLookup(t *testing.T) {
	client, err := New(&fakeAdapter{})
	require.NoError(t, err)

	convA := seedConversation(t, client, "first topic")
	convB := seedConversation(t, client, "second topic")

	ctx := context.Background()
	require.NoError(t, client.SaveConversationState(ctx, "before-refactor", convA))
	require.NoError(t, client.SaveConversationState(ctx, "after-refactor", convA))
	require.NoError(t, client.SaveConversationState(ctx, "other", convB))

	states, err := client.SavedStatesForConversation(ctx, convA)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "before-refactor", states[0].Name)
	assert.Equal(t, "after-refactor", states[1].Name)
	assert.Equal(t, convA, states[0].ConversationID)
	require.NotNil(t, states[0].Record)
	assert.NotEmpty(t, states[0].Record.Messages)

	ids, err := client.SavedConversationIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{convA, convB}, ids)
}

func TestSaveConversationStateSnapshotIsImmutable(t *testing.T) {
	client, err := New(&fakeAdapter{})
	require.NoError(t, err)

	ctx := context.Background()
	convID := seedConversation(t, client, "hello")
	require.NoError(t, client.SaveConversationState(ctx, "checkpoint", convID))

	// grow the live conversation past the snapshot
	_, err = client.Generate(ctx, "follow up", GenerateOptions{ConversationID: convID})
	require.NoError(t, err)

	states, err := client.SavedStatesForConversation(ctx, convID)
	require.NoError(t, err)
	require.Len(t, states, 1)
	record, ok, err := client.LoadRecord(ctx, convID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Less(t, len(states[0].Record.Messages), len(record.Messages))
}

func TestSaveConversationStateOverwriteKeepsRegistryClean(t *testing.T) {
	client, err := New(&fakeAdapter{})
	require.NoError(t, err)

	ctx := context.Background()
	convID := seedConversation(t, client, "hello")
	require.NoError(t, client.SaveConversationState(ctx, "checkpoint", convID))
	require.NoError(t, client.SaveConversationState(ctx, "checkpoint", convID))

	states, err := client.SavedStatesForConversation(ctx, convID)
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestSaveConversationStateRequiresExistingConversation(t *testing.T) {
	client, err := New(&fakeAdapter{})
	require.NoError(t, err)

	err = client.SaveConversationState(context.Background(), "name", "missing")
	require.Error(t, err)

	err = client.SaveConversationState(context.Background(), "", "missing")
	require.Error(t, err)
}
