package bing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/parley/pkg/chat"
)

func TestComputeDeltaSuffixWhenSnapshotExtends(t *testing.T) {
	assert.Equal(t, " world", computeDelta("hello", "hello world"))
	assert.Equal(t, "hello", computeDelta("", "hello"))
}

func TestComputeDeltaRewriteEmitsFullSnapshot(t *testing.T) {
	assert.Equal(t, "\ncompletely new", computeDelta("old text", "completely new"))
}

func collectEvents(events *[]chat.ProgressEvent) chat.ProgressFunc {
	return func(ev chat.ProgressEvent) {
		*events = append(*events, ev)
	}
}

func TestFoldUpdateDerivesDeltas(t *testing.T) {
	update := func(text string) chatEvent {
		return chatEvent{
			Type:      eventTypeUpdate,
			Arguments: []eventArgs{{Messages: []BotMessage{{Author: "bot", Text: text}}}},
		}
	}

	reply, stopFound, delta := foldUpdate(update("Hel"), "", false)
	assert.Equal(t, "Hel", reply)
	assert.False(t, stopFound)
	assert.Equal(t, "Hel", delta)

	reply, stopFound, delta = foldUpdate(update("Hello"), reply, stopFound)
	assert.Equal(t, "Hello", reply)
	assert.Equal(t, "lo", delta)

	// non-bot and apology updates are ignored
	reply, stopFound, delta = foldUpdate(chatEvent{
		Type:      eventTypeUpdate,
		Arguments: []eventArgs{{Messages: []BotMessage{{Author: "user", Text: "x"}}}},
	}, reply, stopFound)
	assert.Equal(t, "Hello", reply)
	assert.Empty(t, delta)
}

func TestFoldUpdateCutsStopTokenBeforeDelta(t *testing.T) {
	update := func(text string) chatEvent {
		return chatEvent{
			Type:      eventTypeUpdate,
			Arguments: []eventArgs{{Messages: []BotMessage{{Author: "bot", Text: text}}}},
		}
	}

	reply, stopFound, delta := foldUpdate(update("Hel"), "", false)
	require.Equal(t, "Hel", delta)

	reply, stopFound, delta = foldUpdate(update("Hello"+stopToken), reply, stopFound)
	assert.True(t, stopFound)
	assert.Equal(t, "Hello", reply)
	assert.Equal(t, "lo", delta)

	// once the token is seen, later updates are dropped
	reply, stopFound, delta = foldUpdate(update("Hello there"), reply, stopFound)
	assert.Equal(t, "Hello", reply)
	assert.Empty(t, delta)
}

func TestFinishExchangeSuccess(t *testing.T) {
	var events []chat.ProgressEvent
	err := finishExchange(chatEvent{
		Type: eventTypeTerminal,
		Item: &terminalItem{
			Messages: []BotMessage{
				{Author: "bot", Text: "the answer"},
			},
			ConversationExpiryTime: "2024-01-01T00:00:00Z",
		},
	}, "the answe", false, censoredMarker, collectEvents(&events))

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Done)
	assert.Equal(t, "stop", events[0].StopReason)
	// the terminal message text wins over the delta accumulation
	assert.Equal(t, "the answer", events[0].Text)
	require.NotNil(t, events[0].Details)
	result := events[0].Details.(*ExchangeResult)
	assert.Equal(t, "the answer", result.Message.Text)
	assert.Equal(t, "2024-01-01T00:00:00Z", result.ConversationExpiryTime)
}

func TestFinishExchangeInvalidSession(t *testing.T) {
	err := finishExchange(chatEvent{
		Type: eventTypeTerminal,
		Item: &terminalItem{
			Result: &itemResult{Value: "InvalidSession", Message: "expired"},
		},
	}, "", false, censoredMarker, func(chat.ProgressEvent) {})

	require.Error(t, err)
	assert.True(t, chat.IsProtocolError(err))
	assert.Contains(t, err.Error(), "InvalidSession")
}

func TestFinishExchangeModerationKeepsTextAndMarks(t *testing.T) {
	tests := []struct {
		name           string
		item           *terminalItem
		stopTokenFound bool
	}{
		{
			name: "topic changer",
			item: &terminalItem{
				Messages: []BotMessage{
					{Author: "bot", Text: "partial", TopicChangerText: "let's talk about something else"},
				},
			},
		},
		{
			name: "offense trigger",
			item: &terminalItem{
				Messages: []BotMessage{
					{Author: "bot", Text: "partial", Offense: "OffenseTrigger"},
				},
			},
		},
		{
			name: "second message apology",
			item: &terminalItem{
				Messages: []BotMessage{
					{Author: "bot", Text: "partial"},
					{Author: "bot", ContentOrigin: "Apology"},
				},
			},
		},
		{
			name: "stop token found",
			item: &terminalItem{
				Messages: []BotMessage{
					{Author: "bot", Text: "partial"},
				},
			},
			stopTokenFound: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var events []chat.ProgressEvent
			err := finishExchange(chatEvent{
				Type: eventTypeTerminal,
				Item: tt.item,
			}, "partial", tt.stopTokenFound, censoredMarker, collectEvents(&events))

			// moderation is a successful exchange, not an error
			require.NoError(t, err)
			require.Len(t, events, 2)
			assert.Equal(t, censoredMarker, events[0].Delta)
			assert.True(t, events[1].Done)
			assert.Equal(t, "content_filter", events[1].StopReason)
			assert.Equal(t, "partial"+censoredMarker, events[1].Text)
		})
	}
}

func TestFinishExchangeServerErrorSalvagesStreamedText(t *testing.T) {
	var events []chat.ProgressEvent
	err := finishExchange(chatEvent{
		Type: eventTypeTerminal,
		Item: &terminalItem{
			Messages: []BotMessage{{Author: "bot", Text: "partial"}},
			Result:   &itemResult{Value: "InternalError", Message: "boom", Error: "boom"},
		},
	}, "partial", false, censoredMarker, collectEvents(&events))

	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Done)
	assert.Equal(t, "InternalError", events[0].StopReason)
	assert.Equal(t, "partial", events[0].Text)
}

func TestStopTokenNeverReachesFinalText(t *testing.T) {
	update := func(text string) chatEvent {
		return chatEvent{
			Type:      eventTypeUpdate,
			Arguments: []eventArgs{{Messages: []BotMessage{{Author: "bot", Text: text}}}},
		}
	}

	reply, stopFound, _ := foldUpdate(update("Hel"), "", false)
	reply, stopFound, _ = foldUpdate(update("Hello"+stopToken), reply, stopFound)
	require.True(t, stopFound)

	var events []chat.ProgressEvent
	err := finishExchange(chatEvent{
		Type: eventTypeTerminal,
		Item: &terminalItem{
			Messages: []BotMessage{{Author: "bot", Text: "Hello" + stopToken}},
		},
	}, reply, stopFound, censoredMarker, collectEvents(&events))

	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.True(t, events[1].Done)
	assert.Equal(t, "Hello"+censoredMarker, events[1].Text)
	assert.NotContains(t, events[1].Text, stopToken)
}

func TestFinishExchangeServerErrorWithNothingStreamed(t *testing.T) {
	err := finishExchange(chatEvent{
		Type: eventTypeTerminal,
		Item: &terminalItem{
			Result: &itemResult{Value: "InternalError", Message: "boom", Error: "boom"},
		},
	}, "", false, censoredMarker, func(chat.ProgressEvent) {})

	require.Error(t, err)
	assert.True(t, chat.IsProtocolError(err))
}

func TestFinishExchangeNoMessage(t *testing.T) {
	err := finishExchange(chatEvent{
		Type: eventTypeTerminal,
		Item: &terminalItem{},
	}, "", false, censoredMarker, func(chat.ProgressEvent) {})

	require.Error(t, err)
	assert.True(t, chat.IsProtocolError(err))
}

func TestDecodeFramesSplitsOnRecordSeparator(t *testing.T) {
	data := append([]byte(`{"type":1,"arguments":[{"messages":[{"author":"bot","text":"hi"}]}]}`), recordSeparator)
	data = append(data, []byte(`{"type":6}`)...)
	data = append(data, recordSeparator)

	events := decodeFrames(data)
	require.Len(t, events, 2)
	assert.Equal(t, eventTypeUpdate, events[0].Type)
	assert.Equal(t, "hi", events[0].Arguments[0].Messages[0].Text)
	assert.Equal(t, eventTypeKeepalive, events[1].Type)
}

func TestDecodeFramesSkipsGarbage(t *testing.T) {
	data := append([]byte(`not json`), recordSeparator)
	data = append(data, []byte(`{"type":2}`)...)
	data = append(data, recordSeparator)

	events := decodeFrames(data)
	require.Len(t, events, 1)
	assert.Equal(t, eventTypeTerminal, events[0].Type)
}

func TestIsHandshakeAck(t *testing.T) {
	assert.True(t, isHandshakeAck(append([]byte(`{}`), recordSeparator)))
	assert.False(t, isHandshakeAck(append([]byte(`{"type":6}`), recordSeparator)))
}
