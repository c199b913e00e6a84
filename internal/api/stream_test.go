package api

import (
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/l0p7/tourvista/internal/generation"
	"github.com/l0p7/tourvista/internal/model"
)

func dialStream(t *testing.T, f *apiFixture, discoveryID, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u, err := url.Parse(f.server.URL)
	require.NoError(t, err)
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/api/discoveries/" + discoveryID + "/chat/stream"
	u.RawQuery = url.Values{"access_token": {token}}.Encode()
	return websocket.DefaultDialer.Dial(u.String(), nil)
}

func readFrame(t *testing.T, conn *websocket.Conn) serverFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var frame serverFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

// readUntil reads frames until match accepts a view.
func readUntil(t *testing.T, conn *websocket.Conn, match func(serverFrame) bool) serverFrame {
	t.Helper()
	for i := 0; i < 20; i++ {
		frame := readFrame(t, conn)
		if match(frame) {
			return frame
		}
	}
	t.Fatalf("expected frame never arrived")
	return serverFrame{}
}

func TestStreamDeliversConversationUpdates(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "alice")
	api := f.as(t, "alice")
	id := f.createDiscovery(t, api, "Eiffel Tower")
	f.generator.set(generation.KindChat, generation.Payload{Text: "It is 330m tall."})

	conn, _, err := dialStream(t, f, id, token)
	require.NoError(t, err)
	defer conn.Close()

	initial := readFrame(t, conn)
	require.Equal(t, frameView, initial.Type)
	require.NotNil(t, initial.View)
	require.NotEmpty(t, initial.View.ConversationID)
	require.Empty(t, initial.View.Turns)
	require.False(t, initial.View.Producing)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameSend, Message: "How tall is it?"}))

	final := readUntil(t, conn, func(frame serverFrame) bool {
		return frame.Type == frameView && len(frame.View.Turns) == 2 && !frame.View.Producing
	})
	turns := final.View.Turns
	require.Equal(t, model.RoleUser, turns[0].Role)
	require.Equal(t, "How tall is it?", turns[0].Text)
	require.Equal(t, model.RoleModel, turns[1].Role)
	require.Equal(t, "It is 330m tall.", turns[1].Text)
	require.Equal(t, model.TurnFinal, turns[1].Status)

	cached, ok := f.registry.For("alice").ConversationID(id)
	require.True(t, ok)
	require.Equal(t, initial.View.ConversationID, cached)
}

func TestStreamReportsRejectedMessages(t *testing.T) {
	f := newAPIFixture(t)
	token := f.token(t, "alice")
	id := f.createDiscovery(t, f.as(t, "alice"), "Eiffel Tower")

	conn, _, err := dialStream(t, f, id, token)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, frameView, readFrame(t, conn).Type)

	require.NoError(t, conn.WriteJSON(clientFrame{Type: frameSend, Message: "  "}))
	frame := readFrame(t, conn)
	require.Equal(t, frameError, frame.Type)
	require.Contains(t, frame.Error, "empty")

	require.NoError(t, conn.WriteJSON(clientFrame{Type: "shout"}))
	frame = readFrame(t, conn)
	require.Equal(t, frameError, frame.Type)
}

func TestStreamRequiresToken(t *testing.T) {
	f := newAPIFixture(t)

	_, resp, err := dialStream(t, f, "d1", "bogus")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
