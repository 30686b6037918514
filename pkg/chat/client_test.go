package chat

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parley/pkg/conversation"
)

// capturedParams records what the client handed to BuildApiParams.
type capturedParams struct {
	UserMessage      *conversation.BasicMessage
	PreviousMessages []conversation.BasicMessage
	SystemMessage    *conversation.BasicMessage
}

type fakeAdapter struct {
	name         string
	participants conversation.Participants
	stream       func(ctx context.Context, apiParams interface{}, n int, emit ProgressFunc) error
}

func (a *fakeAdapter) Name() string {
	if a.name == "" {
		return "fake"
	}
	return a.name
}

func (a *fakeAdapter) Participants() conversation.Participants {
	return a.participants
}

func (a *fakeAdapter) BuildApiParams(
	userMessage *conversation.BasicMessage,
	previousMessages []conversation.BasicMessage,
	systemMessage *conversation.BasicMessage,
) (interface{}, error) {
	return &capturedParams{
		UserMessage:      userMessage,
		PreviousMessages: previousMessages,
		SystemMessage:    systemMessage,
	}, nil
}

func (a *fakeAdapter) Stream(ctx context.Context, apiParams interface{}, n int, emit ProgressFunc) error {
	if a.stream != nil {
		return a.stream(ctx, apiParams, n, emit)
	}
	for i := 0; i < n; i++ {
		emit(ProgressEvent{Index: i, Delta: "reply"})
		emit(ProgressEvent{Index: i, Done: true, StopReason: "stop"})
	}
	return nil
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(&fakeAdapter{}, WithOptions(Options{
		MaxContextTokens:  100,
		MaxPromptTokens:   80,
		MaxResponseTokens: 40,
	}))
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
}

func TestSetOptionsRejectsInvalidBudget(t *testing.T) {
	client, err := New(&fakeAdapter{})
	require.NoError(t, err)

	err = client.SetOptions(Options{MaxContextTokens: 10, MaxPromptTokens: 20})
	require.Error(t, err)
	assert.True(t, IsConfigError(err))

	// the previous configuration survives a failed update
	assert.Equal(t, 1, client.Options().N)
}

func TestGeneratePersistsUserAndReplies(t *testing.T) {
	ctx := context.Background()
	client, err := New(&fakeAdapter{})
	require.NoError(t, err)

	result, err := client.Generate(ctx, "hello", GenerateOptions{N: 2})
	require.NoError(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Replies, 2)
	assert.NotEmpty(t, result.ConversationID)
	assert.NotEmpty(t, result.MessageID)

	record, ok, err := client.LoadRecord(ctx, result.ConversationID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, record.Messages, 3)

	userNode := record.Messages[0]
	assert.Equal(t, "User", userNode.Role)
	assert.Equal(t, "hello", userNode.Message)
	assert.Equal(t, "", userNode.ParentMessageID)
	assert.Equal(t, result.UserMessageID, userNode.ID)

	// both replies are siblings under the user message
	for _, node := range record.Messages[1:] {
		assert.Equal(t, "Assistant", node.Role)
		assert.Equal(t, "reply", node.Message)
		assert.Equal(t, userNode.ID, node.ParentMessageID)
		assert.Equal(t, "stop", node.StopReason)
	}
	assert.Equal(t, 2, len(conversation.Children(record.Messages, userNode.ID)))
}

func TestGenerateFollowUpSeesHistory(t *testing.T) {
	ctx := context.Background()

	var lastParams *capturedParams
	adapter := &fakeAdapter{
		stream: func(_ context.Context, apiParams interface{}, n int, emit ProgressFunc) error {
			lastParams = apiParams.(*capturedParams)
			for i := 0; i < n; i++ {
				emit(ProgressEvent{Index: i, Delta: "reply"})
				emit(ProgressEvent{Index: i, Done: true, StopReason: "stop"})
			}
			return nil
		},
	}
	client, err := New(adapter)
	require.NoError(t, err)

	first, err := client.Generate(ctx, "hello", GenerateOptions{})
	require.NoError(t, err)

	_, err = client.Generate(ctx, "and then?", GenerateOptions{
		ConversationID: first.ConversationID,
	})
	require.NoError(t, err)

	require.NotNil(t, lastParams)
	require.NotNil(t, lastParams.UserMessage)
	assert.Equal(t, "and then?", lastParams.UserMessage.Text)
	// history is the root→parent path: the first user message and its reply
	require.Len(t, lastParams.PreviousMessages, 2)
	assert.Equal(t, conversation.AuthorUser, lastParams.PreviousMessages[0].Author)
	assert.Equal(t, "hello", lastParams.PreviousMessages[0].Text)
	assert.Equal(t, conversation.AuthorAssistant, lastParams.PreviousMessages[1].Author)
}

func TestGenerateSystemMessageReachesAdapter(t *testing.T) {
	ctx := context.Background()

	var lastParams *capturedParams
	adapter := &fakeAdapter{
		stream: func(_ context.Context, apiParams interface{}, n int, emit ProgressFunc) error {
			lastParams = apiParams.(*capturedParams)
			emit(ProgressEvent{Done: true, StopReason: "stop"})
			return nil
		},
	}
	client, err := New(adapter, WithOptions(Options{N: 1, SystemMessage: "be terse"}))
	require.NoError(t, err)

	_, err = client.Generate(ctx, "hi", GenerateOptions{})
	require.NoError(t, err)
	require.NotNil(t, lastParams.SystemMessage)
	assert.Equal(t, "be terse", lastParams.SystemMessage.Text)
	assert.Equal(t, conversation.AuthorSystem, lastParams.SystemMessage.Author)
	assert.Equal(t, "additional_instructions", lastParams.SystemMessage.Type)

	// a per-turn override wins
	_, err = client.Generate(ctx, "hi", GenerateOptions{SystemMessage: "be verbose"})
	require.NoError(t, err)
	assert.Equal(t, "be verbose", lastParams.SystemMessage.Text)
}

func TestGeneratePartialFailureSalvagesStreamingBranches(t *testing.T) {
	ctx := context.Background()
	streamErr := errors.New("connection reset by peer")

	adapter := &fakeAdapter{
		stream: func(_ context.Context, _ interface{}, n int, emit ProgressFunc) error {
			// index 0 finishes, index 1 streams partially, index 2 stays
			// pending
			emit(ProgressEvent{Index: 0, Delta: "complete answer"})
			emit(ProgressEvent{Index: 0, Done: true, StopReason: "stop"})
			emit(ProgressEvent{Index: 1, Delta: "partial ans"})
			return streamErr
		},
	}
	client, err := New(adapter)
	require.NoError(t, err)

	result, err := client.Generate(ctx, "question", GenerateOptions{N: 3})
	require.Error(t, err)
	assert.Equal(t, streamErr, err)
	require.NotNil(t, result)
	require.Len(t, result.Replies, 3)

	assert.Equal(t, StateFinished, result.Replies[0].State)
	assert.Equal(t, StateErrored, result.Replies[1].State)
	assert.Equal(t, streamErr.Error(), result.Replies[1].StopReason)
	assert.Equal(t, StatePending, result.Replies[2].State)

	// finished and salvaged replies persist, the pending one is dropped
	record, ok, err := client.LoadRecord(ctx, result.ConversationID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, record.Messages, 3)

	children := conversation.Children(record.Messages, result.UserMessageID)
	require.Len(t, children, 2)
	assert.Equal(t, "complete answer", children[0].Message)
	assert.Equal(t, "stop", children[0].StopReason)
	assert.Equal(t, "partial ans", children[1].Message)
	assert.Equal(t, streamErr.Error(), children[1].StopReason)

	// the first finished reply is the default attachment point
	assert.Equal(t, children[0].ID, result.MessageID)
}

func TestRunCompletionsTimeout(t *testing.T) {
	ctx := context.Background()

	adapter := &fakeAdapter{
		stream: func(ctx context.Context, _ interface{}, _ int, emit ProgressFunc) error {
			emit(ProgressEvent{Index: 0, Delta: "started"})
			<-ctx.Done()
			return ctx.Err()
		},
	}
	client, err := New(adapter)
	require.NoError(t, err)

	replies, err := client.RunCompletions(ctx, nil, CompletionOptions{
		N:       1,
		Timeout: 10 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	require.Len(t, replies, 1)
	assert.Equal(t, StateErrored, replies[0].State)
	assert.Equal(t, "started", replies[0].Text)
}

func TestIngestPlainString(t *testing.T) {
	ctx := context.Background()
	client, err := New(&fakeAdapter{})
	require.NoError(t, err)

	convID, tailID, err := client.IngestExternalMessages(ctx, "", "just some note", "", true)
	require.NoError(t, err)
	require.NotEmpty(t, convID)
	require.NotEmpty(t, tailID)

	record, ok, err := client.LoadRecord(ctx, convID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, record.Messages, 1)
	assert.Equal(t, "User", record.Messages[0].Role)
	assert.Equal(t, "just some note", record.Messages[0].Message)
}

func TestIngestTranscriptAsChain(t *testing.T) {
	ctx := context.Background()
	client, err := New(&fakeAdapter{})
	require.NoError(t, err)

	history := "[user](#message)\nhello\n\n[assistant](#message)\nhi there\n\n[user](#message)\nhow are you?"
	convID, tailID, err := client.IngestExternalMessages(ctx, "", history, "", true)
	require.NoError(t, err)

	record, ok, err := client.LoadRecord(ctx, convID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, record.Messages, 3)

	// chained: each message parents the next
	assert.Equal(t, "", record.Messages[0].ParentMessageID)
	assert.Equal(t, record.Messages[0].ID, record.Messages[1].ParentMessageID)
	assert.Equal(t, record.Messages[1].ID, record.Messages[2].ParentMessageID)
	assert.Equal(t, record.Messages[2].ID, tailID)

	// the branch exports back to the same transcript
	out, err := client.Transcript(ctx, convID, tailID)
	require.NoError(t, err)
	assert.Equal(t, history, out)
}

func TestIngestSiblingsWithoutChain(t *testing.T) {
	ctx := context.Background()
	client, err := New(&fakeAdapter{})
	require.NoError(t, err)

	history := "[user](#message)\none\n\n[user](#message)\ntwo"
	convID, _, err := client.IngestExternalMessages(ctx, "", history, "", false)
	require.NoError(t, err)

	record, _, err := client.LoadRecord(ctx, convID)
	require.NoError(t, err)
	require.Len(t, record.Messages, 2)
	assert.Equal(t, "", record.Messages[0].ParentMessageID)
	assert.Equal(t, "", record.Messages[1].ParentMessageID)
}

func TestNormalizeMessageRejectsMultiMessageInput(t *testing.T) {
	client, err := New(&fakeAdapter{})
	require.NoError(t, err)

	_, err = client.NormalizeMessage("[user](#message)\na\n\n[user](#message)\nb", conversation.AuthorUser)
	require.Error(t, err)
}

func TestNormalizeMessageSingleTranscriptBlock(t *testing.T) {
	client, err := New(&fakeAdapter{})
	require.NoError(t, err)

	msg, err := client.NormalizeMessage("[assistant](#message)\nimported reply", conversation.AuthorUser)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, conversation.AuthorAssistant, msg.Author)
	assert.Equal(t, "imported reply", msg.Text)
}

func TestForkAndMergeUpClientOps(t *testing.T) {
	ctx := context.Background()
	client, err := New(&fakeAdapter{})
	require.NoError(t, err)

	result, err := client.Generate(ctx, "hello", GenerateOptions{})
	require.NoError(t, err)

	forkedID, err := client.ForkMessage(ctx, result.ConversationID, result.MessageID, "edited reply")
	require.NoError(t, err)

	record, _, err := client.LoadRecord(ctx, result.ConversationID)
	require.NoError(t, err)
	forked, ok := conversation.MessageByID(record.Messages, forkedID)
	require.True(t, ok)
	assert.Equal(t, "edited reply", forked.Message)
	assert.Equal(t, result.UserMessageID, forked.ParentMessageID)

	mergedID, err := client.MergeUpMessage(ctx, result.ConversationID, result.MessageID)
	require.NoError(t, err)

	record, _, err = client.LoadRecord(ctx, result.ConversationID)
	require.NoError(t, err)
	merged, ok := conversation.MessageByID(record.Messages, mergedID)
	require.True(t, ok)
	assert.Equal(t, "hello\nreply", merged.Message)
	// the merged node is a sibling of the original user message
	assert.Equal(t, "", merged.ParentMessageID)
}

func TestAdapterParticipantOverrides(t *testing.T) {
	adapter := &fakeAdapter{
		participants: conversation.Participants{
			conversation.AuthorAssistant: {Display: "Bing", DefaultMessageType: conversation.DefaultMessageType},
		},
	}
	client, err := New(adapter)
	require.NoError(t, err)

	assert.Equal(t, "Bing", client.Participants().Display(conversation.AuthorAssistant))
	assert.Equal(t, "User", client.Participants().Display(conversation.AuthorUser))
}
