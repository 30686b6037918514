// Package claude implements the chat adapter for the Anthropic Messages
// API.
package claude

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/providers/claude/api"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const defaultMaxTokens = 4096

// Settings configures the adapter.
type Settings struct {
	APIKey  string
	BaseURL string
	Model   string

	Temperature       *float64
	TopP              *float64
	TopK              *int
	MaxResponseTokens int
	StopSequences     []string
}

// Adapter speaks the Messages API. The wire protocol carries one
// completion per exchange, so fan-out runs parallel exchanges.
type Adapter struct {
	client   *api.Client
	settings Settings
}

func New(settings Settings) (*Adapter, error) {
	if settings.APIKey == "" {
		return nil, chat.NewConfigError("claude: api key is required")
	}
	if settings.Model == "" {
		return nil, chat.NewConfigError("claude: model is required")
	}
	return &Adapter{
		client:   api.NewClient(settings.APIKey, settings.BaseURL),
		settings: settings,
	}, nil
}

func (a *Adapter) Name() string {
	return "claude"
}

func (a *Adapter) Participants() conversation.Participants {
	return conversation.Participants{
		conversation.AuthorAssistant: {
			Display:            "Claude",
			DefaultMessageType: conversation.DefaultMessageType,
		},
	}
}

func roleForAuthor(author string) string {
	if author == conversation.AuthorAssistant {
		return RoleAssistant
	}
	return RoleUser
}

// MergeSameRole collapses consecutive messages with the same role into
// one, joining their texts with a blank line. The Messages API rejects
// same-role adjacency, which linear histories containing sibling replies
// or injected context would otherwise produce.
func MergeSameRole(messages []api.Message) []api.Message {
	var merged []api.Message
	for _, msg := range messages {
		if len(merged) > 0 && merged[len(merged)-1].Role == msg.Role {
			merged[len(merged)-1].Content += "\n\n" + msg.Content
			continue
		}
		merged = append(merged, msg)
	}
	return merged
}

// BuildApiParams assembles the message request. The system message rides
// in the request's system field, not the message list.
func (a *Adapter) BuildApiParams(
	userMessage *conversation.BasicMessage,
	previousMessages []conversation.BasicMessage,
	systemMessage *conversation.BasicMessage,
) (interface{}, error) {
	var messages []api.Message
	for _, msg := range previousMessages {
		messages = append(messages, api.Message{
			Role:    roleForAuthor(msg.Author),
			Content: msg.Text,
		})
	}
	if userMessage != nil {
		messages = append(messages, api.Message{
			Role:    roleForAuthor(userMessage.Author),
			Content: userMessage.Text,
		})
	}
	if len(messages) == 0 {
		return nil, errors.New("no messages to send")
	}
	messages = MergeSameRole(messages)

	maxTokens := a.settings.MaxResponseTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	req := &api.MessageRequest{
		Model:         a.settings.Model,
		Messages:      messages,
		MaxTokens:     maxTokens,
		StopSequences: a.settings.StopSequences,
		Temperature:   a.settings.Temperature,
		TopP:          a.settings.TopP,
		TopK:          a.settings.TopK,
	}
	if systemMessage != nil {
		req.System = systemMessage.Text
	}
	return req, nil
}

// Stream fans out n parallel exchanges, one SSE stream each.
func (a *Adapter) Stream(ctx context.Context, apiParams interface{}, n int, emit chat.ProgressFunc) error {
	baseReq, ok := apiParams.(*api.MessageRequest)
	if !ok {
		return errors.Errorf("expected *api.MessageRequest, got %T", apiParams)
	}

	return chat.FanOut(ctx, n, emit, func(ctx context.Context, emit chat.ProgressFunc) error {
		req := *baseReq
		stream, err := a.client.StreamMessage(ctx, &req)
		if err != nil {
			var apiErr *api.APIError
			if errors.As(err, &apiErr) {
				return chat.NewTransportError("claude message stream", apiErr.StatusCode, err)
			}
			return chat.NewTransportError("claude message stream", 0, err)
		}

		stopReason := ""
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case event, ok := <-stream.Events:
				if !ok {
					// The stream ended without a message_stop: either the
					// read failed or the server closed early. Both reject
					// the branch; the partial text is salvaged upstream.
					readErr := stream.Err()
					if readErr == nil {
						readErr = errors.New("stream ended before message_stop")
					}
					return chat.NewTransportError("claude stream read", 0, readErr)
				}
				switch event.Type {
				case api.ContentBlockDeltaType:
					if event.Delta != nil && event.Delta.Type == api.TextDeltaType && event.Delta.Text != "" {
						emit(chat.ProgressEvent{Delta: event.Delta.Text})
					}
				case api.MessageDeltaType:
					if event.Delta != nil && event.Delta.StopReason != "" {
						stopReason = event.Delta.StopReason
					}
				case api.MessageStopType:
					emit(chat.ProgressEvent{Done: true, StopReason: stopReason})
					return nil
				case api.ErrorType:
					if event.Error != nil {
						return &chat.ProtocolError{
							Reason:  event.Error.Type,
							Message: event.Error.Message,
						}
					}
					return &chat.ProtocolError{Reason: "unknown stream error"}
				}
			}
		}
	})
}
