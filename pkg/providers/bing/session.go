package bing

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
)

const (
	chatHubURL = "wss://sydney.bing.com/sydney/ChatHub"

	// pingInterval keeps the hub connection alive; the server echoes the
	// same keepalive frame back.
	pingInterval = 15 * time.Second

	// exchangeTimeout bounds one full exchange end to end.
	exchangeTimeout = 500 * time.Second

	// stopToken is the model hallucinating the next user turn; everything
	// from it onward is cut.
	stopToken = "\n\n[user](#message)"

	// censoredMarker is appended to a reply the moderation filter cut
	// short.
	censoredMarker = "⚠"
)

// hubConn is one live ChatHub connection. Writes are serialized since the
// keepalive ticker and the request sender race otherwise.
type hubConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	closeMu sync.Once
	done    chan struct{}
}

// dialChatHub connects and performs the JSON protocol handshake.
func dialChatHub(ctx context.Context, signature string, header http.Header) (*hubConn, error) {
	hubURL := chatHubURL + "?sec_access_token=" + url.QueryEscape(signature)
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, hubURL, header)
	if err != nil {
		statusCode := 0
		if resp != nil {
			statusCode = resp.StatusCode
		}
		return nil, chat.NewTransportError("bing chathub dial", statusCode, err)
	}

	h := &hubConn{
		conn: conn,
		done: make(chan struct{}),
	}

	if err := h.write(append([]byte(`{"protocol":"json","version":1}`), recordSeparator)); err != nil {
		h.close()
		return nil, chat.NewTransportError("bing chathub handshake", 0, err)
	}
	// The server acknowledges with an empty-object record before any chat
	// traffic flows.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.close()
			return nil, chat.NewTransportError("bing chathub handshake", 0, err)
		}
		if isHandshakeAck(data) {
			break
		}
	}

	go h.keepalive()

	return h, nil
}

func (h *hubConn) write(data []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	return h.conn.WriteMessage(websocket.TextMessage, data)
}

func (h *hubConn) writeFrame(v interface{}) error {
	data, err := encodeFrame(v)
	if err != nil {
		return err
	}
	return h.write(data)
}

func (h *hubConn) keepalive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.writeFrame(map[string]int{"type": eventTypeKeepalive}); err != nil {
				log.Debug().Err(err).Msg("bing keepalive write failed")
				return
			}
		}
	}
}

// close tears the connection down exactly once; the reader, the keepalive
// ticker and the context watcher all race to call it.
func (h *hubConn) close() {
	h.closeMu.Do(func() {
		close(h.done)
		_ = h.conn.Close()
	})
}

// runExchange sends the chat request and drives the event loop until the
// terminal event. Deltas are derived from snapshot updates: the server
// resends the full reply text each time, so the delta is the suffix when
// the snapshot extends the previous one and a line-broken full snapshot
// when the server rewrote it.
func runExchange(ctx context.Context, h *hubConn, request interface{}, marker string, emit chat.ProgressFunc) error {
	ctx, cancel := context.WithTimeout(ctx, exchangeTimeout)
	defer cancel()
	defer h.close()

	go func() {
		select {
		case <-ctx.Done():
			h.close()
		case <-h.done:
		}
	}()

	if err := h.writeFrame(request); err != nil {
		return chat.NewTransportError("bing chat request", 0, err)
	}

	replySoFar := ""
	stopTokenFound := false

	for {
		_, data, err := h.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return chat.NewTransportError("bing chathub read", 0, err)
		}

		for _, event := range decodeFrames(data) {
			switch event.Type {
			case eventTypeUpdate:
				var delta string
				replySoFar, stopTokenFound, delta = foldUpdate(event, replySoFar, stopTokenFound)
				if delta != "" {
					emit(chat.ProgressEvent{Delta: delta})
				}

			case eventTypeTerminal:
				return finishExchange(event, replySoFar, stopTokenFound, marker, emit)

			case eventTypeError:
				errText := event.Error
				if errText == "" {
					errText = "connection closed with an error"
				}
				return chat.NewTransportError("bing chathub", 0, errors.New(errText))

			case eventTypeKeepalive:
				// pong

			default:
				if event.Error != "" {
					return chat.NewTransportError("bing chathub", 0,
						errors.Errorf("event type %d: %s", event.Type, event.Error))
				}
			}
		}
	}
}

// foldUpdate applies one snapshot update to the running reply. The stop
// token is cut from the snapshot before the delta is derived, so it never
// reaches the caller; once the token is seen, further updates are ignored.
func foldUpdate(event chatEvent, replySoFar string, stopTokenFound bool) (string, bool, string) {
	if stopTokenFound {
		return replySoFar, stopTokenFound, ""
	}
	if len(event.Arguments) == 0 || len(event.Arguments[0].Messages) == 0 {
		return replySoFar, stopTokenFound, ""
	}
	msg := event.Arguments[0].Messages[0]
	if msg.Author != "bot" || msg.ContentOrigin == "Apology" {
		return replySoFar, stopTokenFound, ""
	}
	updatedText := msg.Text
	if strings.HasSuffix(strings.TrimSpace(updatedText), stopToken) {
		stopTokenFound = true
		updatedText = strings.TrimSpace(strings.ReplaceAll(updatedText, stopToken, ""))
	}
	if updatedText == "" || updatedText == replySoFar {
		return replySoFar, stopTokenFound, ""
	}
	delta := computeDelta(replySoFar, updatedText)
	return updatedText, stopTokenFound, delta
}

// computeDelta derives the incremental fragment from a snapshot update.
// The server resends the full reply each time; when the new snapshot
// extends the previous one the delta is the suffix, and when the server
// rewrote the text the full snapshot is emitted on a new line.
func computeDelta(replySoFar, updatedText string) string {
	if strings.HasPrefix(updatedText, replySoFar) {
		return updatedText[len(replySoFar):]
	}
	return "\n" + updatedText
}

// ExchangeResult is the Details payload of a terminal progress event: the
// final bot message plus the session metadata that only the terminal event
// carries.
type ExchangeResult struct {
	Message                *BotMessage `json:"message,omitempty"`
	ConversationExpiryTime string      `json:"conversationExpiryTime,omitempty"`
}

// finishExchange folds the terminal event into a final progress event or
// an error. The terminal event's message text is authoritative: the delta
// accumulation may carry snapshot-rewrite artifacts, so the final text
// rides in the Done event and replaces it.
func finishExchange(event chatEvent, replySoFar string, stopTokenFound bool, marker string, emit chat.ProgressFunc) error {
	item := event.Item
	if item == nil {
		return &chat.ProtocolError{Reason: "terminal event carried no item"}
	}
	if item.Result != nil && item.Result.Value == "InvalidSession" {
		return &chat.ProtocolError{
			Reason:  item.Result.Value,
			Message: item.Result.Message,
		}
	}

	var eventMessage *BotMessage
	if len(item.Messages) > 0 {
		eventMessage = &item.Messages[len(item.Messages)-1]
	}
	details := &ExchangeResult{
		Message:                eventMessage,
		ConversationExpiryTime: item.ConversationExpiryTime,
	}

	if item.Result != nil && item.Result.Error != nil {
		// Salvage whatever streamed before the server bailed.
		if replySoFar != "" && eventMessage != nil {
			emit(chat.ProgressEvent{
				Done:       true,
				Text:       replySoFar,
				StopReason: item.Result.Value,
				Details:    details,
			})
			return nil
		}
		return &chat.ProtocolError{
			Reason:  item.Result.Value,
			Message: item.Result.Message,
		}
	}
	if eventMessage == nil {
		return &chat.ProtocolError{Reason: "no message was generated"}
	}
	if eventMessage.Author != "bot" {
		return &chat.ProtocolError{Reason: "unexpected message author", Message: eventMessage.Author}
	}

	// The moderation filter cutting in is a successful exchange: the text
	// so far is kept and marked, never discarded.
	if stopTokenFound ||
		item.Messages[0].TopicChangerText != "" ||
		item.Messages[0].Offense == "OffenseTrigger" ||
		(len(item.Messages) > 1 && item.Messages[1].ContentOrigin == "Apology") {
		emit(chat.ProgressEvent{Delta: marker})
		emit(chat.ProgressEvent{
			Done:       true,
			Text:       replySoFar + marker,
			StopReason: "content_filter",
			Details:    details,
		})
		return nil
	}

	finalText := eventMessage.Text
	if finalText == "" {
		finalText = replySoFar
	}
	emit(chat.ProgressEvent{
		Done:       true,
		Text:       finalText,
		StopReason: "stop",
		Details:    details,
	})
	return nil
}
