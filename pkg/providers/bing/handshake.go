package bing

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
)

const (
	defaultHost       = "https://www.bing.com"
	createSessionPath = "/turing/conversation/create?bundleVersion=1.864.15"
	signatureHeader   = "x-sydney-encryptedconversationsignature"
)

// Session holds the credentials of one backend conversation. Every
// websocket exchange needs a live session; the signature expires server
// side, at which point the backend answers InvalidSession.
type Session struct {
	ConversationID     string `json:"conversationId"`
	ClientID           string `json:"clientId"`
	EncryptedSignature string `json:"-"`

	Result *itemResult `json:"result,omitempty"`
}

// CreateSession performs the REST handshake that mints a backend
// conversation. The encrypted signature rides in a response header, not
// the body.
func (a *Adapter) CreateSession(ctx context.Context) (*Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.settings.Host+createSessionPath, nil)
	if err != nil {
		return nil, chat.NewTransportError("bing session create", 0, err)
	}
	a.setHeaders(req.Header)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, chat.NewTransportError("bing session create", 0, err)
	}
	defer func(Body io.ReadCloser) {
		_ = Body.Close()
	}(resp.Body)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, chat.NewTransportError("bing session create", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, chat.NewTransportError("bing session create", resp.StatusCode,
			&chat.ProtocolError{Reason: "session create refused", Message: string(body)})
	}

	session := &Session{}
	if err := json.Unmarshal(body, session); err != nil {
		return nil, &chat.ProtocolError{
			Reason:  "session create returned unparseable body",
			Message: string(body),
		}
	}
	if session.Result != nil && session.Result.Value != "" && session.Result.Value != "Success" {
		return nil, &chat.ProtocolError{
			Reason:  session.Result.Value,
			Message: session.Result.Message,
		}
	}
	session.EncryptedSignature = resp.Header.Get(signatureHeader)

	log.Debug().
		Str("conversationId", session.ConversationID).
		Bool("hasSignature", session.EncryptedSignature != "").
		Msg("created bing session")

	return session, nil
}
