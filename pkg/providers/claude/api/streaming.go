package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

type StreamingEventType string

const (
	PingType              StreamingEventType = "ping"
	MessageStartType      StreamingEventType = "message_start"
	ContentBlockStartType StreamingEventType = "content_block_start"
	ContentBlockDeltaType StreamingEventType = "content_block_delta"
	ContentBlockStopType  StreamingEventType = "content_block_stop"
	MessageDeltaType      StreamingEventType = "message_delta"
	MessageStopType       StreamingEventType = "message_stop"
	ErrorType             StreamingEventType = "error"
)

type StreamingDeltaType string

const (
	TextDeltaType StreamingDeltaType = "text_delta"
)

// StreamingEvent is the typed envelope of one SSE event. Only the fields
// relevant to its Type are populated.
type StreamingEvent struct {
	Type         StreamingEventType `json:"type"`
	Message      *MessageResponse   `json:"message,omitempty"`
	Delta        *Delta             `json:"delta,omitempty"`
	Error        *ErrorDetail       `json:"error,omitempty"`
	Index        int                `json:"index,omitempty"`
	Usage        *Usage             `json:"usage,omitempty"`
	ContentBlock *Content           `json:"content_block,omitempty"`
}

type Delta struct {
	Type         StreamingDeltaType `json:"type"`
	Text         string             `json:"text,omitempty"`
	StopReason   string             `json:"stop_reason,omitempty"`
	StopSequence string             `json:"stop_sequence,omitempty"`
}

// streamEvents reads the SSE body and sends each parsed event on events.
// Events span multiple lines and end at a blank line. A read failure other
// than a clean EOF is returned so the caller can reject the exchange.
func streamEvents(ctx context.Context, resp *http.Response, events chan<- StreamingEvent) error {
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	reader := bufio.NewReader(resp.Body)
	var eventLines [][]byte
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			log.Debug().Err(err).Msg("streaming reader stopped")
			return err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			var event StreamingEvent
			if parseErr := parseSSEEvent(eventLines, &event); parseErr != nil {
				eventLines = eventLines[:0]
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
			eventLines = eventLines[:0]
		} else {
			eventLines = append(eventLines, line)
		}
	}
}

// parseSSEEvent parses one SSE event from its accumulated lines. Only the
// data field matters; the event field is redundant with the JSON type tag.
func parseSSEEvent(lines [][]byte, event *StreamingEvent) error {
	eventData := ""
	for _, line := range lines {
		line = bytes.TrimSuffix(line, []byte("\n"))
		parts := bytes.SplitN(line, []byte(": "), 2)
		if len(parts) != 2 {
			continue
		}
		field, value := parts[0], parts[1]
		if string(field) == "data" {
			eventData += string(value) + "\n"
		}
	}
	eventData = strings.TrimSuffix(eventData, "\n")
	return json.Unmarshal([]byte(eventData), event)
}
