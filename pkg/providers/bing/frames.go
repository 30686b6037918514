package bing

import (
	"bytes"
	"encoding/json"
)

// The ChatHub protocol is SignalR-flavored: every websocket message holds
// one or more JSON payloads terminated by the 0x1E record separator.
const recordSeparator = 0x1e

// Wire event types.
const (
	eventTypeUpdate    = 1
	eventTypeTerminal  = 2
	eventTypeKeepalive = 6
	eventTypeError     = 7
)

type chatEvent struct {
	Type      int           `json:"type"`
	Target    string        `json:"target,omitempty"`
	Arguments []eventArgs   `json:"arguments,omitempty"`
	Item      *terminalItem `json:"item,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type eventArgs struct {
	Messages []BotMessage `json:"messages,omitempty"`
}

type terminalItem struct {
	Messages               []BotMessage `json:"messages,omitempty"`
	Result                 *itemResult  `json:"result,omitempty"`
	ConversationExpiryTime string       `json:"conversationExpiryTime,omitempty"`
}

type itemResult struct {
	Value   string      `json:"value,omitempty"`
	Message string      `json:"message,omitempty"`
	Error   interface{} `json:"error,omitempty"`
}

// BotMessage is one message object inside an update or terminal event. The
// terminal one rides to callers inside ExchangeResult.
type BotMessage struct {
	Author           string `json:"author,omitempty"`
	Text             string `json:"text,omitempty"`
	MessageID        string `json:"messageId,omitempty"`
	MessageType      string `json:"messageType,omitempty"`
	ContentOrigin    string `json:"contentOrigin,omitempty"`
	ContentType      string `json:"contentType,omitempty"`
	Offense          string `json:"offense,omitempty"`
	TopicChangerText string `json:"topicChangerText,omitempty"`

	SuggestedResponses []SuggestedResponse `json:"suggestedResponses,omitempty"`
	SourceAttributions []SourceAttribution `json:"sourceAttributions,omitempty"`
}

// SuggestedResponse is one follow-up suggestion attached to a reply.
type SuggestedResponse struct {
	Text        string `json:"text,omitempty"`
	MessageType string `json:"messageType,omitempty"`
}

// SourceAttribution is one web search result cited by a reply.
type SourceAttribution struct {
	ProviderDisplayName string `json:"providerDisplayName,omitempty"`
	SeeMoreURL          string `json:"seeMoreUrl,omitempty"`
	SearchQuery         string `json:"searchQuery,omitempty"`
}

// encodeFrame serializes v and appends the record separator.
func encodeFrame(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, recordSeparator), nil
}

// decodeFrames splits one websocket message into its JSON payloads,
// dropping empty records and records that fail to parse.
func decodeFrames(data []byte) []chatEvent {
	var events []chatEvent
	for _, record := range bytes.Split(data, []byte{recordSeparator}) {
		if len(bytes.TrimSpace(record)) == 0 {
			continue
		}
		var event chatEvent
		if err := json.Unmarshal(record, &event); err != nil {
			continue
		}
		events = append(events, event)
	}
	return events
}

// isHandshakeAck reports whether a record is the empty-object handshake
// acknowledgment, which carries no type field.
func isHandshakeAck(data []byte) bool {
	records := bytes.Split(data, []byte{recordSeparator})
	if len(records) == 0 {
		return false
	}
	return string(bytes.TrimSpace(records[0])) == "{}"
}
