// Package ollama implements the chat adapter for a local Ollama server.
package ollama

import (
	"context"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"
	"github.com/pkg/errors"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/conversation"
)

// Settings configures the adapter.
type Settings struct {
	// BaseURL is the Ollama server address, e.g. http://localhost:11434.
	BaseURL string
	Model   string

	// Options is passed through to the chat request (temperature, top_p,
	// num_predict, ...), keyed by Ollama option name.
	Options map[string]interface{}
}

// Adapter streams NDJSON chat responses from an Ollama server. The wire
// protocol carries one completion per exchange, so fan-out runs parallel
// exchanges.
type Adapter struct {
	client   *api.Client
	settings Settings
}

func New(settings Settings) (*Adapter, error) {
	if settings.BaseURL == "" {
		return nil, chat.NewConfigError("ollama: base url is required")
	}
	if settings.Model == "" {
		return nil, chat.NewConfigError("ollama: model is required")
	}
	baseURL, err := url.Parse(settings.BaseURL)
	if err != nil {
		return nil, chat.NewConfigError("ollama: invalid base url: %v", err)
	}
	return &Adapter{
		client:   api.NewClient(baseURL, http.DefaultClient),
		settings: settings,
	}, nil
}

func (a *Adapter) Name() string {
	return "ollama"
}

func (a *Adapter) Participants() conversation.Participants {
	return conversation.Participants{}
}

func (a *Adapter) BuildApiParams(
	userMessage *conversation.BasicMessage,
	previousMessages []conversation.BasicMessage,
	systemMessage *conversation.BasicMessage,
) (interface{}, error) {
	var messages []api.Message
	if systemMessage != nil {
		messages = append(messages, api.Message{
			Role:    "system",
			Content: systemMessage.Text,
		})
	}
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

	stream := true
	return &api.ChatRequest{
		Model:    a.settings.Model,
		Messages: messages,
		Stream:   &stream,
		Options:  a.settings.Options,
	}, nil
}

func roleForAuthor(author string) string {
	switch author {
	case conversation.AuthorAssistant:
		return "assistant"
	case conversation.AuthorSystem:
		return "system"
	default:
		return "user"
	}
}

// Stream fans out n parallel chat exchanges. Each response carries a
// content delta until the terminal done response.
func (a *Adapter) Stream(ctx context.Context, apiParams interface{}, n int, emit chat.ProgressFunc) error {
	baseReq, ok := apiParams.(*api.ChatRequest)
	if !ok {
		return errors.Errorf("expected *api.ChatRequest, got %T", apiParams)
	}

	return chat.FanOut(ctx, n, emit, func(ctx context.Context, emit chat.ProgressFunc) error {
		req := *baseReq
		err := a.client.Chat(ctx, &req, func(resp api.ChatResponse) error {
			if resp.Message.Content != "" {
				emit(chat.ProgressEvent{Delta: resp.Message.Content})
			}
			if resp.Done {
				emit(chat.ProgressEvent{Done: true, StopReason: "stop"})
			}
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return chat.NewTransportError("ollama chat", 0, err)
		}
		return nil
	})
}
