// Package openai implements the chat adapter for OpenAI-compatible chat
// completion backends: api.openai.com itself and OpenRouter, which speaks
// the same wire protocol under a different base URL.
package openai

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/conversation"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

// Settings configures one OpenAI-compatible adapter instance.
type Settings struct {
	APIKey string
	// BaseURL overrides the API endpoint. Empty means the library default.
	BaseURL string
	Model   string

	Temperature       *float32
	TopP              *float32
	MaxResponseTokens int
	Stop              []string

	// BotLabel overrides the assistant display name in persisted messages.
	BotLabel string
}

// Adapter speaks the chat completions protocol. The wire format
// multiplexes parallel completions natively through the request's n field
// and per-chunk choice indices, so Stream runs a single exchange for any
// fan-out.
type Adapter struct {
	name     string
	client   *go_openai.Client
	settings Settings
}

// NewChatGPT builds an adapter against api.openai.com (or Settings.BaseURL
// when set, for self-hosted compatible servers).
func NewChatGPT(settings Settings) (*Adapter, error) {
	return newAdapter("chatgpt", settings)
}

// NewOpenRouter builds an adapter against the OpenRouter gateway. The
// base URL is fixed; model routing happens through Settings.Model.
func NewOpenRouter(settings Settings) (*Adapter, error) {
	settings.BaseURL = openRouterBaseURL
	return newAdapter("openrouter", settings)
}

func newAdapter(name string, settings Settings) (*Adapter, error) {
	if settings.APIKey == "" {
		return nil, chat.NewConfigError("%s: api key is required", name)
	}
	if settings.Model == "" {
		return nil, chat.NewConfigError("%s: model is required", name)
	}
	config := go_openai.DefaultConfig(settings.APIKey)
	if settings.BaseURL != "" {
		config.BaseURL = settings.BaseURL
	}
	return &Adapter{
		name:     name,
		client:   go_openai.NewClientWithConfig(config),
		settings: settings,
	}, nil
}

func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) Participants() conversation.Participants {
	botLabel := a.settings.BotLabel
	if botLabel == "" {
		botLabel = "ChatGPT"
	}
	return conversation.Participants{
		conversation.AuthorAssistant: {
			Display:            botLabel,
			DefaultMessageType: conversation.DefaultMessageType,
		},
	}
}

func roleForAuthor(author string) string {
	switch author {
	case conversation.AuthorUser:
		return go_openai.ChatMessageRoleUser
	case conversation.AuthorAssistant:
		return go_openai.ChatMessageRoleAssistant
	case conversation.AuthorSystem:
		return go_openai.ChatMessageRoleSystem
	default:
		return go_openai.ChatMessageRoleUser
	}
}

// BuildApiParams assembles the chat completion request: system message
// first, then history in order, then the new user message.
func (a *Adapter) BuildApiParams(
	userMessage *conversation.BasicMessage,
	previousMessages []conversation.BasicMessage,
	systemMessage *conversation.BasicMessage,
) (interface{}, error) {
	var messages []go_openai.ChatCompletionMessage
	if systemMessage != nil {
		messages = append(messages, go_openai.ChatCompletionMessage{
			Role:    go_openai.ChatMessageRoleSystem,
			Content: systemMessage.Text,
		})
	}
	for _, msg := range previousMessages {
		messages = append(messages, go_openai.ChatCompletionMessage{
			Role:    roleForAuthor(msg.Author),
			Content: msg.Text,
		})
	}
	if userMessage != nil {
		messages = append(messages, go_openai.ChatCompletionMessage{
			Role:    roleForAuthor(userMessage.Author),
			Content: userMessage.Text,
		})
	}
	if len(messages) == 0 {
		return nil, errors.New("no messages to send")
	}

	req := go_openai.ChatCompletionRequest{
		Model:    a.settings.Model,
		Messages: messages,
		Stream:   true,
		Stop:     a.settings.Stop,
	}
	if a.settings.Temperature != nil {
		req.Temperature = *a.settings.Temperature
	}
	if a.settings.TopP != nil {
		req.TopP = *a.settings.TopP
	}
	if a.settings.MaxResponseTokens > 0 {
		req.MaxTokens = a.settings.MaxResponseTokens
	}
	return req, nil
}

// Stream runs one streaming exchange carrying all n completions and fans
// the per-choice deltas out to their indices.
func (a *Adapter) Stream(ctx context.Context, apiParams interface{}, n int, emit chat.ProgressFunc) error {
	req, ok := apiParams.(go_openai.ChatCompletionRequest)
	if !ok {
		return errors.Errorf("expected ChatCompletionRequest, got %T", apiParams)
	}
	if n > 1 {
		req.N = n
	}

	stream, err := a.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return wrapAPIError(a.name+" chat completion", err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close completion stream")
		}
	}()

	chunkCount := 0
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			log.Debug().Int("chunks", chunkCount).Str("adapter", a.name).Msg("completion stream drained")
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return wrapAPIError(a.name+" stream receive", err)
		}
		chunkCount++

		for _, choice := range response.Choices {
			if choice.Delta.Content != "" {
				emit(chat.ProgressEvent{
					Index: choice.Index,
					Delta: choice.Delta.Content,
				})
			}
			if choice.FinishReason != "" {
				emit(chat.ProgressEvent{
					Index:      choice.Index,
					Done:       true,
					StopReason: string(choice.FinishReason),
				})
			}
		}
	}

	// Some compatible servers close the stream without a finish_reason on
	// every choice. The tracker suppresses the duplicates.
	for i := 0; i < n; i++ {
		emit(chat.ProgressEvent{Index: i, Done: true})
	}
	return nil
}

func wrapAPIError(op string, err error) error {
	var apiErr *go_openai.APIError
	if errors.As(err, &apiErr) {
		return chat.NewTransportError(op, apiErr.HTTPStatusCode, err)
	}
	return chat.NewTransportError(op, 0, err)
}
