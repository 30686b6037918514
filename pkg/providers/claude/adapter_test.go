package claude

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/providers/claude/api"
)

func TestMergeSameRoleCollapsesRuns(t *testing.T) {
	messages := []api.Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleUser, Content: "second"},
		{Role: RoleAssistant, Content: "reply"},
		{Role: RoleUser, Content: "third"},
		{Role: RoleUser, Content: "fourth"},
		{Role: RoleUser, Content: "fifth"},
	}

	merged := MergeSameRole(messages)
	require.Len(t, merged, 3)
	assert.Equal(t, "first\n\nsecond", merged[0].Content)
	assert.Equal(t, RoleUser, merged[0].Role)
	assert.Equal(t, "reply", merged[1].Content)
	assert.Equal(t, "third\n\nfourth\n\nfifth", merged[2].Content)
}

func TestMergeSameRoleAlternatingUnchanged(t *testing.T) {
	messages := []api.Message{
		{Role: RoleUser, Content: "a"},
		{Role: RoleAssistant, Content: "b"},
		{Role: RoleUser, Content: "c"},
	}
	assert.Equal(t, messages, MergeSameRole(messages))
}

func TestMergeSameRoleEmpty(t *testing.T) {
	assert.Empty(t, MergeSameRole(nil))
}

func TestBuildApiParamsSystemRidesSeparately(t *testing.T) {
	adapter, err := New(Settings{APIKey: "key", Model: "claude-3-haiku-20240307"})
	require.NoError(t, err)

	params, err := adapter.BuildApiParams(
		&conversation.BasicMessage{Author: conversation.AuthorUser, Text: "question"},
		[]conversation.BasicMessage{
			{Author: conversation.AuthorUser, Text: "earlier question"},
			{Author: conversation.AuthorAssistant, Text: "earlier answer"},
		},
		&conversation.BasicMessage{Author: conversation.AuthorSystem, Text: "be helpful"},
	)
	require.NoError(t, err)

	req, ok := params.(*api.MessageRequest)
	require.True(t, ok)
	assert.Equal(t, "be helpful", req.System)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, RoleUser, req.Messages[0].Role)
	assert.Equal(t, RoleAssistant, req.Messages[1].Role)
	assert.Equal(t, RoleUser, req.Messages[2].Role)
	assert.Equal(t, "question", req.Messages[2].Content)
}

func TestBuildApiParamsMergesHistorySiblings(t *testing.T) {
	adapter, err := New(Settings{APIKey: "key", Model: "claude-3-haiku-20240307"})
	require.NoError(t, err)

	// injected context can leave two user-authored messages adjacent
	params, err := adapter.BuildApiParams(
		&conversation.BasicMessage{Author: conversation.AuthorUser, Text: "question"},
		[]conversation.BasicMessage{
			{Author: conversation.AuthorUser, Text: "context"},
		},
		nil,
	)
	require.NoError(t, err)

	req := params.(*api.MessageRequest)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "context\n\nquestion", req.Messages[0].Content)
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Settings{Model: "claude-3-haiku-20240307"})
	require.Error(t, err)

	_, err = New(Settings{APIKey: "key"})
	require.Error(t, err)
}

func sseChunk(event string) string {
	return "event: x\ndata: " + event + "\n\n"
}

func TestStreamDroppedConnectionIsAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sseChunk(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"par"}}`)))
		w.(http.Flusher).Flush()
		// connection drops before any message_stop arrives
	}))
	defer server.Close()

	adapter, err := New(Settings{APIKey: "key", BaseURL: server.URL, Model: "claude-3"})
	require.NoError(t, err)

	params, err := adapter.BuildApiParams(
		&conversation.BasicMessage{Author: conversation.AuthorUser, Text: "hi"}, nil, nil)
	require.NoError(t, err)

	var events []chat.ProgressEvent
	err = adapter.Stream(context.Background(), params, 1, func(ev chat.ProgressEvent) {
		events = append(events, ev)
	})

	require.Error(t, err)
	assert.True(t, chat.IsTransportError(err))
	require.Len(t, events, 1)
	assert.Equal(t, "par", events[0].Delta)
	assert.False(t, events[0].Done)
}

func TestStreamFinishesOnMessageStop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(sseChunk(`{"type":"content_block_delta","delta":{"type":"text_delta","text":"hello"}}`)))
		_, _ = w.Write([]byte(sseChunk(`{"type":"message_delta","delta":{"stop_reason":"end_turn"}}`)))
		_, _ = w.Write([]byte(sseChunk(`{"type":"message_stop"}`)))
	}))
	defer server.Close()

	adapter, err := New(Settings{APIKey: "key", BaseURL: server.URL, Model: "claude-3"})
	require.NoError(t, err)

	params, err := adapter.BuildApiParams(
		&conversation.BasicMessage{Author: conversation.AuthorUser, Text: "hi"}, nil, nil)
	require.NoError(t, err)

	var events []chat.ProgressEvent
	err = adapter.Stream(context.Background(), params, 1, func(ev chat.ProgressEvent) {
		events = append(events, ev)
	})

	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "hello", events[0].Delta)
	assert.True(t, events[1].Done)
	assert.Equal(t, "end_turn", events[1].StopReason)
}
