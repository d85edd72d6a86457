package websocket

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/questhub-engine/internal/domain"
	"github.com/questhub-engine/internal/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(discardLogger())
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

// dial serves /ws for the participant named in the query string.
func dial(t *testing.T, hub *Hub, participantID string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, r.URL.Query().Get("pid"), discardLogger(), w, r)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?pid=" + participantID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return hub.GetParticipantConnections(participantID) > 0
	}, time.Second, 10*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestBroadcastEvent_OnlyReachesOwner(t *testing.T) {
	hub := startHub(t)
	alice := dial(t, hub, "alice")
	bob := dial(t, hub, "bob")

	hub.BroadcastEvent(domain.Event{
		Type:          domain.EventVerification,
		ParticipantID: "alice",
		Data:          map[string]string{"outcome": "verified"},
	})

	msg := readMessage(t, alice)
	assert.Equal(t, domain.EventVerification, msg.Type)
	assert.Equal(t, "alice", msg.ParticipantID)

	require.NoError(t, bob.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := bob.ReadMessage()
	assert.Error(t, err, "bob must not see alice's events")
}

func TestSubscribeLeaderboard(t *testing.T) {
	hub := startHub(t)
	conn := dial(t, hub, "alice")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Topic: TopicLeaderboard}))
	ack := readMessage(t, conn)
	assert.Equal(t, "subscribed", ack.Type)
	require.Eventually(t, func() bool {
		return hub.GetSubscriberCount(TopicLeaderboard) == 1
	}, time.Second, 10*time.Millisecond)

	ranking := memstore.NewRanking()
	require.NoError(t, ranking.SetTotal(context.Background(), "alice", 30))
	require.NoError(t, ranking.SetTotal(context.Background(), "bob", 50))

	feed := LeaderboardFeed(hub, ranking, 10, discardLogger())
	feed(domain.Event{Type: domain.EventIdentityLinked, ParticipantID: "alice"})
	feed(domain.Event{Type: domain.EventXPAwarded, ParticipantID: "alice"})

	msg := readMessage(t, conn)
	require.Equal(t, MessageTypeLeaderboardUpdate, msg.Type)
	data, err := json.Marshal(msg.Data)
	require.NoError(t, err)
	var update LeaderboardUpdate
	require.NoError(t, json.Unmarshal(data, &update))
	require.Len(t, update.Entries, 2)
	assert.Equal(t, "bob", update.Entries[0].ParticipantID)
}

func TestSubscribeUnknownTopic(t *testing.T) {
	hub := startHub(t)
	conn := dial(t, hub, "alice")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypeSubscribe, Topic: "admin"}))
	msg := readMessage(t, conn)
	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, 0, hub.GetSubscriberCount("admin"))
}

func TestPing(t *testing.T) {
	hub := startHub(t)
	conn := dial(t, hub, "alice")

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypePing}))
	assert.Equal(t, MessageTypePong, readMessage(t, conn).Type)
}

func TestUnregisterOnClose(t *testing.T) {
	hub := startHub(t)
	conn := dial(t, hub, "alice")
	require.Equal(t, 1, hub.GetTotalConnections())

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return hub.GetTotalConnections() == 0 && hub.GetParticipantConnections("alice") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStopClosesConnections(t *testing.T) {
	hub := NewHub(discardLogger())
	go hub.Run()
	conn := dial(t, hub, "alice")

	hub.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestInvalidFrameKeepsConnection(t *testing.T) {
	hub := startHub(t)
	conn := dial(t, hub, "alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, MessageTypeError, readMessage(t, conn).Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: MessageTypePing}))
	assert.Equal(t, MessageTypePong, readMessage(t, conn).Type)
}
