package delivery

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/gregLibert/card-provisioning/pkg/iso7816"
)

// WsSession runs a delivery over the push transport. Instead of the fetch
// loop, a WebSocket endpoint streams APDU batches and a terminal status to
// the client; all user interaction has been resolved server-side before the
// endpoint is handed out. Like Session, it is single-use.
type WsSession struct {
	card iso7816.Transmitter
	log  *slog.Logger

	used atomic.Bool
}

// Inbound message types.
const (
	wsTypeID       = "id"
	wsTypeCommands = "commands"
	wsTypeStatus   = "status"
)

// wsMessage is the envelope of every frame in either direction. Which fields
// are populated depends on Type.
type wsMessage struct {
	Type      string   `json:"type"`
	Value     string   `json:"value,omitempty"`
	Commands  []string `json:"commands,omitempty"`
	Responses []string `json:"responses,omitempty"`
	Code      string   `json:"code,omitempty"`
	Message   string   `json:"message,omitempty"`
}

// NewWsSession builds a push-transport session for the given card.
func NewWsSession(card iso7816.Transmitter, log *slog.Logger) *WsSession {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &WsSession{card: card, log: log}
}

// Run connects to the given ws(s) URL with the supplied headers and relays
// messages until the server reports a terminal status. A status with code
// "OK" is a successful delivery; anything else is a failure carried in the
// Result, not an error. Errors are reserved for transport and client-side
// problems, which are also reported back to the server as a CLIENT_ERROR
// status before disconnecting.
func (s *WsSession) Run(ctx context.Context, url string, header http.Header) (*Result, error) {
	if !s.used.CompareAndSwap(false, true) {
		return nil, errf(KindProtocol, "session is single-use; create a new one per delivery")
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, wrapErr(KindTransport, "connecting to delivery endpoint", err)
	}
	defer conn.Close()

	var sessionID string
	for {
		if err := ctx.Err(); err != nil {
			return nil, wrapErr(KindCancelled, "delivery aborted", err)
		}

		var message wsMessage
		if err := conn.ReadJSON(&message); err != nil {
			return nil, wrapErr(KindTransport, "reading delivery message", err)
		}

		switch message.Type {
		case wsTypeID:
			sessionID = message.Value
			s.log.Info("delivery session opened", "sessionId", sessionID)

		case wsTypeCommands:
			responses, err := s.relay(message.Commands)
			if err != nil {
				s.reportClientError(conn, err)
				return nil, err
			}
			reply := wsMessage{Type: "responses", Responses: responses}
			if err := conn.WriteJSON(reply); err != nil {
				return nil, wrapErr(KindTransport, "sending responses", err)
			}

		case wsTypeStatus:
			return &Result{
				SessionID: sessionID,
				Success:   message.Code == "OK",
				Message:   message.Message,
			}, nil

		default:
			err := errf(KindProtocol, "unsupported message type %q", message.Type)
			s.reportClientError(conn, err)
			return nil, err
		}
	}
}

func (s *WsSession) relay(commands []string) ([]string, error) {
	responses := make([]string, 0, len(commands))
	for _, command := range commands {
		response, err := s.relayOne(command)
		if err != nil {
			return nil, err
		}
		responses = append(responses, response)
	}
	return responses, nil
}

func (s *WsSession) relayOne(command string) (string, error) {
	raw, err := hex.DecodeString(command)
	if err != nil {
		return "", errf(KindProtocol, "server sent a non-hex command APDU")
	}
	response, err := s.card.Transmit(raw)
	if err != nil {
		return "", wrapErr(KindTransport, "APDU exchange failed", err)
	}
	return hex.EncodeToString(response), nil
}

// reportClientError tells the server the client failed, best effort.
func (s *WsSession) reportClientError(conn *websocket.Conn, cause error) {
	status := wsMessage{Type: wsTypeStatus, Code: "CLIENT_ERROR", Message: cause.Error()}
	if err := conn.WriteJSON(status); err != nil {
		s.log.Warn("could not report client error", "err", err)
	}
}
