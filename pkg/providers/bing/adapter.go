// Package bing implements the chat adapter for the Bing ChatHub websocket
// backend. The backend is stateless from our side: it holds no usable
// server conversation across turns, so the whole local history is injected
// into each exchange as a transcript context document.
package bing

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/conversation"
	"github.com/go-go-golems/parley/pkg/transcript"
)

// Tone styles and their wire options.
const (
	ToneCreative = "creative"
	TonePrecise  = "precise"
	ToneFast     = "fast"
	ToneBalanced = "balanced"
)

// ToneOption maps a tone style to its wire option. Unknown styles pass
// through, so new server-side options work without a library change.
func ToneOption(toneStyle string) string {
	switch toneStyle {
	case ToneCreative:
		return "h3imaginative"
	case TonePrecise:
		return "h3precise"
	case ToneFast:
		return "galileo"
	case ToneBalanced:
		return "harmonyv3"
	default:
		return toneStyle
	}
}

// Settings configures the adapter.
type Settings struct {
	// Host overrides the session-create endpoint, e.g. a regional mirror.
	Host string
	// Cookies is the raw cookie header of an authenticated browser
	// session. UserToken is the shortcut for just the _U cookie; Cookies
	// wins when both are set.
	Cookies   string
	UserToken string
	UserAgent string
	// XForwardedFor spoofs the client address to dodge geolocation
	// blocks. A CIDR value picks a random host within the subnet.
	XForwardedFor string
	// ToneStyle selects the model variant; defaults to creative.
	ToneStyle string
	// CensoredMarker is appended to replies the moderation filter cut
	// short; defaults to the warning sign.
	CensoredMarker string
}

// Adapter speaks the ChatHub protocol. Every exchange mints a fresh
// backend session, so fan-out runs n independent handshake+socket pairs.
type Adapter struct {
	settings   Settings
	httpClient *http.Client
}

func New(settings Settings) (*Adapter, error) {
	if settings.Host == "" {
		settings.Host = defaultHost
	}
	if settings.ToneStyle == "" {
		settings.ToneStyle = ToneCreative
	}
	if settings.CensoredMarker == "" {
		settings.CensoredMarker = censoredMarker
	}
	if settings.XForwardedFor != "" {
		ip, ok := ValidIPv4(settings.XForwardedFor)
		if !ok {
			return nil, chat.NewConfigError("bing: invalid x-forwarded-for value %q", settings.XForwardedFor)
		}
		settings.XForwardedFor = ip
	}
	return &Adapter{
		settings:   settings,
		httpClient: &http.Client{},
	}, nil
}

func (a *Adapter) Name() string {
	return "bing"
}

func (a *Adapter) Participants() conversation.Participants {
	return conversation.Participants{
		conversation.AuthorAssistant: {
			Display:            "Bing",
			DefaultMessageType: conversation.DefaultMessageType,
		},
	}
}

func (a *Adapter) setHeaders(header http.Header) {
	header.Set("Accept", "application/json")
	if a.settings.UserAgent != "" {
		header.Set("User-Agent", a.settings.UserAgent)
	}
	switch {
	case a.settings.Cookies != "":
		header.Set("Cookie", a.settings.Cookies)
	case a.settings.UserToken != "":
		header.Set("Cookie", "_U="+a.settings.UserToken)
	}
	if a.settings.XForwardedFor != "" {
		header.Set("X-Forwarded-For", a.settings.XForwardedFor)
	}
}

// apiParams is the adapter's prepared request: the user text to send plus
// the transcript the backend needs to reconstruct the conversation.
type apiParams struct {
	Text             string
	ContextInjection string
	ToneStyle        string
}

// BuildApiParams flattens system message and history into the context
// injection transcript. The user message stays separate; it rides in the
// chat request proper.
func (a *Adapter) BuildApiParams(
	userMessage *conversation.BasicMessage,
	previousMessages []conversation.BasicMessage,
	systemMessage *conversation.BasicMessage,
) (interface{}, error) {
	if userMessage == nil || userMessage.Text == "" {
		return nil, errors.New("no user message to send")
	}

	var contextMessages []conversation.BasicMessage
	if systemMessage != nil {
		contextMessages = append(contextMessages, *systemMessage)
	}
	contextMessages = append(contextMessages, previousMessages...)

	return &apiParams{
		Text:             userMessage.Text,
		ContextInjection: transcript.ToTranscript(contextMessages),
		ToneStyle:        a.settings.ToneStyle,
	}, nil
}

// contextMessage is the previousMessages entry carrying the injected
// transcript.
type contextMessage struct {
	Author      string `json:"author"`
	Description string `json:"description"`
	ContextType string `json:"contextType"`
	MessageType string `json:"messageType"`
	MessageID   string `json:"messageId"`
}

type chatRequestMessage struct {
	Author      string `json:"author"`
	Text        string `json:"text"`
	MessageType string `json:"messageType"`
}

type chatRequestParticipant struct {
	ID string `json:"id"`
}

type chatRequestArguments struct {
	Source                         string                 `json:"source"`
	OptionsSets                    []string               `json:"optionsSets"`
	SliceIDs                       []string               `json:"sliceIds"`
	TraceID                        string                 `json:"traceId"`
	IsStartOfSession               bool                   `json:"isStartOfSession"`
	Message                        chatRequestMessage     `json:"message"`
	EncryptedConversationSignature string                 `json:"encryptedConversationSignature,omitempty"`
	Participant                    chatRequestParticipant `json:"participant"`
	ConversationID                 string                 `json:"conversationId"`
	PreviousMessages               []contextMessage       `json:"previousMessages,omitempty"`
}

type chatRequest struct {
	Arguments    []chatRequestArguments `json:"arguments"`
	InvocationID string                 `json:"invocationId"`
	Target       string                 `json:"target"`
	Type         int                    `json:"type"`
}

func buildChatRequest(session *Session, params *apiParams) *chatRequest {
	args := chatRequestArguments{
		Source: "cib",
		OptionsSets: []string{
			"nlu_direct_response_filter",
			"deepleo",
			"disable_emoji_spoken_text",
			"responsible_ai_policy_235",
			"enablemm",
			ToneOption(params.ToneStyle),
			"dtappid",
			"cricinfo",
			"cricinfov2",
			"dv3sugg",
			"nojbfedge",
		},
		SliceIDs:         []string{"222dtappid", "225cricinfo", "224locals0"},
		TraceID:          strings.ReplaceAll(uuid.NewString(), "-", ""),
		IsStartOfSession: true,
		Message: chatRequestMessage{
			Author:      "user",
			Text:        params.Text,
			MessageType: "Chat",
		},
		EncryptedConversationSignature: session.EncryptedSignature,
		Participant:                    chatRequestParticipant{ID: session.ClientID},
		ConversationID:                 session.ConversationID,
	}
	if params.ContextInjection != "" {
		args.PreviousMessages = []contextMessage{{
			Author:      "user",
			Description: params.ContextInjection,
			ContextType: "WebPage",
			MessageType: "Context",
			MessageID:   "discover-web--page-ping-mriduna-----",
		}}
	}
	return &chatRequest{
		Arguments:    []chatRequestArguments{args},
		InvocationID: "0",
		Target:       "chat",
		Type:         4,
	}
}

// Stream fans out n independent exchanges, each over its own session and
// socket.
func (a *Adapter) Stream(ctx context.Context, params interface{}, n int, emit chat.ProgressFunc) error {
	prepared, ok := params.(*apiParams)
	if !ok {
		return errors.Errorf("expected *apiParams, got %T", params)
	}

	header := http.Header{}
	a.setHeaders(header)

	return chat.FanOut(ctx, n, emit, func(ctx context.Context, emit chat.ProgressFunc) error {
		session, err := a.CreateSession(ctx)
		if err != nil {
			return err
		}
		h, err := dialChatHub(ctx, session.EncryptedSignature, header)
		if err != nil {
			return err
		}
		return runExchange(ctx, h, buildChatRequest(session, prepared), a.settings.CensoredMarker, emit)
	})
}
