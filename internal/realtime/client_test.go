package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
)

type recordingChat struct {
	mu    sync.Mutex
	posts []models.ChatMessage
}

func (c *recordingChat) Post(_ context.Context, sessionID uuid.UUID, authorID *uuid.UUID, body string, kind models.ChatKind) (*models.ChatMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := models.ChatMessage{ID: uuid.New(), SessionID: sessionID, AuthorID: authorID, Body: body, Kind: kind, Seq: int64(len(c.posts) + 1)}
	c.posts = append(c.posts, msg)
	return &msg, nil
}

func (c *recordingChat) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.posts)
}

type recordingPresence struct {
	mu     sync.Mutex
	joins  int
	leaves int
}

func (p *recordingPresence) Join(context.Context, uuid.UUID, uuid.UUID) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joins++
	return p.joins - p.leaves, nil
}

func (p *recordingPresence) Leave(context.Context, uuid.UUID, uuid.UUID) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leaves++
	return p.joins - p.leaves, nil
}

func (p *recordingPresence) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joins, p.leaves
}

type sessionMap map[uuid.UUID]models.Session

func (m sessionMap) Get(_ context.Context, id uuid.UUID) (*models.Session, error) {
	s, ok := m[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return &s, nil
}

// tokens maps a bearer token straight to a user id.
func tokens(users map[string]uuid.UUID) TokenValidator {
	return func(token string) (uuid.UUID, string, error) {
		id, ok := users[token]
		if !ok {
			return uuid.Nil, "", apperr.ErrForbidden
		}
		return id, string(models.RoleListener), nil
	}
}

func serve(t *testing.T, opts Options) (*Hub, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub := NewHub(zap.NewNop(), nil, 32)
	r := gin.New()
	r.GET("/ws", ServeWs(hub, zap.NewNop(), opts))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return hub, srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if token != "" {
		url += "?token=" + token
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func read(t *testing.T, ws *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func send(t *testing.T, ws *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(v))
}

func TestServeWs_WelcomeOnConnect(t *testing.T) {
	alice := uuid.New()
	_, srv := serve(t, Options{Validate: tokens(map[string]uuid.UUID{"alice": alice})})

	anon := read(t, dial(t, srv, ""))
	assert.Equal(t, string(TypeWelcome), anon["type"])
	assert.NotEmpty(t, anon["connectionId"])
	assert.NotContains(t, anon, "userId")

	authed := read(t, dial(t, srv, "alice"))
	assert.Equal(t, string(TypeWelcome), authed["type"])
	assert.Equal(t, alice.String(), authed["userId"])
}

func TestServeWs_InvalidTokenIsRefused(t *testing.T) {
	_, srv := serve(t, Options{Validate: tokens(nil)})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=forged"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWs_UnknownTypeIsIgnored(t *testing.T) {
	chat := &recordingChat{}
	_, srv := serve(t, Options{Chat: chat, Validate: tokens(nil)})
	ws := dial(t, srv, "")
	read(t, ws)

	send(t, ws, map[string]interface{}{"type": "dance", "sessionId": uuid.New()})
	send(t, ws, map[string]interface{}{"type": "radio_chat", "sessionId": uuid.New(), "content": "hi"})

	// The first reply answers the chat frame: the unknown one produced nothing
	// and the connection stayed open.
	reply := read(t, ws)
	assert.Equal(t, string(TypeError), reply["type"])
	assert.Equal(t, "forbidden", reply["message"])
}

func TestServeWs_MalformedFrameKeepsConnection(t *testing.T) {
	_, srv := serve(t, Options{Validate: tokens(nil)})
	ws := dial(t, srv, "")
	read(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`[1,2]`)))
	assert.Equal(t, string(TypeError), read(t, ws)["type"])

	send(t, ws, map[string]interface{}{"type": "join_radio"})
	assert.Equal(t, string(TypeError), read(t, ws)["type"], "sessionId is required")
}

func TestServeWs_AnonymousCannotChat(t *testing.T) {
	chat := &recordingChat{}
	_, srv := serve(t, Options{Chat: chat, Validate: tokens(nil), ChatRate: rate.Inf})
	ws := dial(t, srv, "")
	read(t, ws)

	send(t, ws, map[string]interface{}{"type": "radio_chat", "sessionId": uuid.New(), "content": "hello"})
	reply := read(t, ws)
	assert.Equal(t, string(TypeError), reply["type"])
	assert.Equal(t, "forbidden", reply["message"])
	assert.Zero(t, chat.count())
}

func TestServeWs_ChatAuthorIsBoundUser(t *testing.T) {
	alice := uuid.New()
	chat := &recordingChat{}
	_, srv := serve(t, Options{Chat: chat, Validate: tokens(map[string]uuid.UUID{"alice": alice}), ChatRate: rate.Inf})
	ws := dial(t, srv, "alice")
	read(t, ws)

	send(t, ws, map[string]interface{}{
		"type": "radio_chat", "sessionId": uuid.New(), "content": "hello",
		"user": map[string]string{"id": uuid.NewString()},
	})
	require.Eventually(t, func() bool { return chat.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	chat.mu.Lock()
	defer chat.mu.Unlock()
	require.NotNil(t, chat.posts[0].AuthorID)
	assert.Equal(t, alice, *chat.posts[0].AuthorID)
	assert.Equal(t, models.ChatKindChat, chat.posts[0].Kind)
}

func TestServeWs_ChatRateLimit(t *testing.T) {
	alice := uuid.New()
	chat := &recordingChat{}
	_, srv := serve(t, Options{
		Chat:      chat,
		Validate:  tokens(map[string]uuid.UUID{"alice": alice}),
		ChatRate:  rate.Every(time.Hour),
		ChatBurst: 2,
	})
	ws := dial(t, srv, "alice")
	read(t, ws)

	sid := uuid.New()
	for i := 0; i < 3; i++ {
		send(t, ws, map[string]interface{}{"type": "radio_chat", "sessionId": sid, "content": "spam"})
	}
	reply := read(t, ws)
	assert.Equal(t, string(TypeError), reply["type"])
	assert.Equal(t, "content: rate limit exceeded", reply["message"])
	assert.Equal(t, 2, chat.count())
}

func TestServeWs_DisconnectLeavesOnlyWithLastConnection(t *testing.T) {
	alice := uuid.New()
	presence := &recordingPresence{}
	hub, srv := serve(t, Options{Presence: presence, Validate: tokens(map[string]uuid.UUID{"alice": alice})})
	stream := uuid.New()

	first := dial(t, srv, "alice")
	second := dial(t, srv, "alice")
	read(t, first)
	read(t, second)
	send(t, first, map[string]interface{}{"type": "join_radio", "sessionId": stream})
	send(t, second, map[string]interface{}{"type": "join_radio", "sessionId": stream})
	require.Eventually(t, func() bool { joins, _ := presence.counts(); return joins == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return hub.SubscriberCount(stream) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return hub.ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	_, leaves := presence.counts()
	assert.Zero(t, leaves, "another connection of the user is still listening")

	require.NoError(t, second.Close())
	require.Eventually(t, func() bool { _, leaves := presence.counts(); return leaves == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, hub.SubscriberCount(stream))
}

func TestServeWs_AnonymousJoinSubscribesWithoutPresence(t *testing.T) {
	presence := &recordingPresence{}
	hub, srv := serve(t, Options{Presence: presence, Validate: tokens(nil)})
	stream := uuid.New()
	ws := dial(t, srv, "")
	read(t, ws)

	send(t, ws, map[string]interface{}{"type": "join_radio", "sessionId": stream})
	require.Eventually(t, func() bool { return hub.SubscriberCount(stream) == 1 }, 2*time.Second, 10*time.Millisecond)
	joins, _ := presence.counts()
	assert.Zero(t, joins)

	hub.Publish(stream, ViewerCount(stream, 7))
	msg := read(t, ws)
	assert.Equal(t, string(TypeViewerCount), msg["type"])
	assert.EqualValues(t, 7, msg["count"])
}

func TestServeWs_RelayPublishAuthorization(t *testing.T) {
	host, listener := uuid.New(), uuid.New()
	scheduled, live := uuid.New(), uuid.New()
	sessions := sessionMap{
		scheduled: {ID: scheduled, HostID: host, Status: models.SessionScheduled},
		live:      {ID: live, HostID: host, Status: models.SessionLive, IsLive: true},
	}
	validate := tokens(map[string]uuid.UUID{"host": host, "listener": listener})
	_, srv := serve(t, Options{Sessions: sessions, Relay: NewRelay(zap.NewNop(), nil), Validate: validate})

	cases := []struct {
		name    string
		token   string
		session uuid.UUID
		want    string
	}{
		{"anonymous", "", live, "forbidden"},
		{"not the host", "listener", live, "forbidden"},
		{"not live", "host", scheduled, "sessionId: session is not live"},
		{"unknown session", "host", uuid.New(), "not found"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ws := dial(t, srv, tc.token)
			read(t, ws)
			send(t, ws, map[string]interface{}{"type": "relay_publish", "sessionId": tc.session, "sdp": "v=0"})
			reply := read(t, ws)
			assert.Equal(t, string(TypeError), reply["type"])
			assert.Equal(t, tc.want, reply["message"])
		})
	}
}

func TestServeWs_RelayWithoutPublisher(t *testing.T) {
	_, srv := serve(t, Options{Relay: NewRelay(zap.NewNop(), nil), Validate: tokens(nil)})
	ws := dial(t, srv, "")
	read(t, ws)

	send(t, ws, map[string]interface{}{"type": "relay_subscribe", "sessionId": uuid.New()})
	reply := read(t, ws)
	assert.Equal(t, string(TypeError), reply["type"])
	assert.Equal(t, ErrNoStream.Error(), reply["message"])
}

func TestServeWs_RelayPublishWithoutRelay(t *testing.T) {
	host := uuid.New()
	_, srv := serve(t, Options{Validate: tokens(map[string]uuid.UUID{"host": host})})
	ws := dial(t, srv, "host")
	read(t, ws)

	send(t, ws, map[string]interface{}{"type": "relay_publish", "sessionId": uuid.New(), "sdp": "v=0"})
	assert.Equal(t, ErrNoStream.Error(), read(t, ws)["message"])
}
