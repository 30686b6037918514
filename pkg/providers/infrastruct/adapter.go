// Package infrastruct implements the chat adapter for bare text-completion
// backends. Conversation structure is carried entirely inside the prompt:
// the history is flattened to transcript form, an assistant header cue is
// appended, and the model's continuation up to the next user header is the
// reply.
package infrastruct

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	go_openai "github.com/sashabaranov/go-openai"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/transcript"
)

// DefaultN is the fan-out this adapter was tuned for: completion backends
// are cheap enough per-token that requesting a few candidates per turn is
// the usual mode.
const DefaultN = 3

// completionCue is appended after the flattened history so the model
// continues as the assistant.
const completionCue = "\n\n[" + conversation.AuthorAssistant + "](#message)\n"

// stopToken cuts generation when the model starts hallucinating the next
// user turn.
const stopToken = "\n[" + conversation.AuthorUser + "](#"

// Settings configures the adapter.
type Settings struct {
	APIKey  string
	BaseURL string
	Model   string

	Temperature       *float32
	TopP              *float32
	MaxResponseTokens int
}

type Adapter struct {
	client   *go_openai.Client
	settings Settings
}

func New(settings Settings) (*Adapter, error) {
	if settings.Model == "" {
		return nil, chat.NewConfigError("infrastruct: model is required")
	}
	config := go_openai.DefaultConfig(settings.APIKey)
	if settings.BaseURL != "" {
		config.BaseURL = settings.BaseURL
	}
	return &Adapter{
		client:   go_openai.NewClientWithConfig(config),
		settings: settings,
	}, nil
}

func (a *Adapter) Name() string {
	return "infrastruct"
}

func (a *Adapter) Participants() conversation.Participants {
	return conversation.Participants{}
}

// BuildApiParams flattens system message, history and the new user message
// into one transcript prompt ending in the assistant cue.
func (a *Adapter) BuildApiParams(
	userMessage *conversation.BasicMessage,
	previousMessages []conversation.BasicMessage,
	systemMessage *conversation.BasicMessage,
) (interface{}, error) {
	var msgs []conversation.BasicMessage
	if systemMessage != nil {
		msgs = append(msgs, *systemMessage)
	}
	msgs = append(msgs, previousMessages...)
	if userMessage != nil {
		msgs = append(msgs, *userMessage)
	}
	if len(msgs) == 0 {
		return nil, errors.New("no messages to send")
	}

	req := go_openai.CompletionRequest{
		Model:  a.settings.Model,
		Prompt: transcript.ToTranscript(msgs) + completionCue,
		Stream: true,
		Stop:   []string{stopToken},
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

// Stream runs one streaming completion exchange. The completions wire
// format multiplexes candidates through per-chunk choice indices, the same
// way the chat endpoint does.
func (a *Adapter) Stream(ctx context.Context, apiParams interface{}, n int, emit chat.ProgressFunc) error {
	req, ok := apiParams.(go_openai.CompletionRequest)
	if !ok {
		return errors.Errorf("expected CompletionRequest, got %T", apiParams)
	}
	if n > 1 {
		req.N = n
	}

	stream, err := a.client.CreateCompletionStream(ctx, req)
	if err != nil {
		var apiErr *go_openai.APIError
		if errors.As(err, &apiErr) {
			return chat.NewTransportError("infrastruct completion", apiErr.HTTPStatusCode, err)
		}
		return chat.NewTransportError("infrastruct completion", 0, err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close completion stream")
		}
	}()

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return chat.NewTransportError("infrastruct stream receive", 0, err)
		}

		for _, choice := range response.Choices {
			if choice.Text != "" {
				emit(chat.ProgressEvent{
					Index: choice.Index,
					Delta: choice.Text,
				})
			}
			if choice.FinishReason != "" {
				emit(chat.ProgressEvent{
					Index:      choice.Index,
					Done:       true,
					StopReason: choice.FinishReason,
				})
			}
		}
	}

	for i := 0; i < n; i++ {
		emit(chat.ProgressEvent{Index: i, Done: true})
	}
	return nil
}
