package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wsFixture runs a scripted push-delivery endpoint.
type wsFixture struct {
	t        *testing.T
	url      string
	received []wsMessage
}

func newWsFixture(t *testing.T, script func(f *wsFixture, conn *websocket.Conn)) *wsFixture {
	f := &wsFixture{t: t}
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		script(f, conn)
	}))
	t.Cleanup(server.Close)

	f.url = "ws" + strings.TrimPrefix(server.URL, "http")
	return f
}

func (f *wsFixture) expect(conn *websocket.Conn) wsMessage {
	var message wsMessage
	require.NoError(f.t, conn.ReadJSON(&message))
	f.received = append(f.received, message)
	return message
}

func TestWsSession_Run(t *testing.T) {
	f := newWsFixture(t, func(f *wsFixture, conn *websocket.Conn) {
		require.NoError(t, conn.WriteJSON(wsMessage{Type: "id", Value: "ws-1"}))
		require.NoError(t, conn.WriteJSON(wsMessage{Type: "commands", Commands: []string{"00a40400", "80ca9f7f00"}}))

		reply := f.expect(conn)
		assert.Equal(t, "responses", reply.Type)
		assert.Equal(t, []string{"9000", "9000"}, reply.Responses)

		require.NoError(t, conn.WriteJSON(wsMessage{Type: "status", Code: "OK", Message: "delivered"}))
	})

	card := &fakeCard{}
	session := NewWsSession(card, nil)

	result, err := session.Run(context.Background(), f.url, nil)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "ws-1", result.SessionID)
	assert.Equal(t, "delivered", result.Message)
	assert.Len(t, card.received, 2)
}

func TestWsSession_Run_FailureStatus(t *testing.T) {
	f := newWsFixture(t, func(f *wsFixture, conn *websocket.Conn) {
		require.NoError(t, conn.WriteJSON(wsMessage{Type: "id", Value: "ws-2"}))
		require.NoError(t, conn.WriteJSON(wsMessage{Type: "status", Code: "FAILED", Message: "script error"}))
	})

	session := NewWsSession(&fakeCard{}, nil)

	result, err := session.Run(context.Background(), f.url, nil)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "script error", result.Message)
}

func TestWsSession_Run_ClientErrorReported(t *testing.T) {
	f := newWsFixture(t, func(f *wsFixture, conn *websocket.Conn) {
		require.NoError(t, conn.WriteJSON(wsMessage{Type: "commands", Commands: []string{"not hex"}}))

		status := f.expect(conn)
		assert.Equal(t, "status", status.Type)
		assert.Equal(t, "CLIENT_ERROR", status.Code)
	})

	session := NewWsSession(&fakeCard{}, nil)

	_, err := session.Run(context.Background(), f.url, nil)
	require.Error(t, err)
	assert.Equal(t, KindProtocol, KindOf(err))
}

func TestWsSession_Run_SingleUse(t *testing.T) {
	f := newWsFixture(t, func(f *wsFixture, conn *websocket.Conn) {
		require.NoError(t, conn.WriteJSON(wsMessage{Type: "status", Code: "OK"}))
	})

	session := NewWsSession(&fakeCard{}, nil)
	_, err := session.Run(context.Background(), f.url, nil)
	require.NoError(t, err)

	_, err = session.Run(context.Background(), f.url, nil)
	require.Error(t, err)
	assert.Equal(t, KindProtocol, KindOf(err))
}
