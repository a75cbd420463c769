package realtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/soundstage/backend/internal/apperr"
	"github.com/soundstage/backend/internal/models"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 65536
	handlerTimeout = 10 * time.Second
)

func newUpgrader(allowOrigin func(origin string) bool) *websocket.Upgrader {
	u := &websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}
	if allowOrigin != nil {
		u.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowOrigin(origin)
		}
	}
	return u
}

// ChatPoster persists and fans out a chat line.
type ChatPoster interface {
	Post(ctx context.Context, sessionID uuid.UUID, authorID *uuid.UUID, body string, kind models.ChatKind) (*models.ChatMessage, error)
}

// PresenceTracker records stream joins and leaves.
type PresenceTracker interface {
	Join(ctx context.Context, streamID, userID uuid.UUID) (int, error)
	Leave(ctx context.Context, streamID, userID uuid.UUID) (int, error)
}

// SessionReader loads a session for relay authorization.
type SessionReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// TokenValidator resolves a bearer token to a user id and role.
type TokenValidator func(token string) (uuid.UUID, string, error)

// Options wires a connection's collaborators. Relay and Sessions may be nil.
// A nil AllowOrigin keeps the upgrader's same-host check.
type Options struct {
	Chat        ChatPoster
	Presence    PresenceTracker
	Sessions    SessionReader
	Relay       *Relay
	Validate    TokenValidator
	AllowOrigin func(origin string) bool
	ChatRate    rate.Limit
	ChatBurst   int
}

// client is one WebSocket connection bound to a hub Conn.
type client struct {
	hub     *Hub
	conn    *Conn
	ws      *websocket.Conn
	opts    Options
	limiter *rate.Limiter
	// streams joined through this connection, for presence cleanup on disconnect
	joined map[uuid.UUID]struct{}
	logger *zap.Logger
}

// ServeWs upgrades GET /ws. The token query parameter is optional; an
// unauthenticated connection can listen but not chat or publish.
func ServeWs(hub *Hub, logger *zap.Logger, opts Options) gin.HandlerFunc {
	upgrader := newUpgrader(opts.AllowOrigin)
	return func(c *gin.Context) {
		var userID *uuid.UUID
		if token := c.Query("token"); token != "" {
			id, _, err := opts.Validate(token)
			if err != nil {
				c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "invalid token"})
				return
			}
			userID = &id
		}

		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}

		conn := hub.Register(userID)
		cl := &client{
			hub:     hub,
			conn:    conn,
			ws:      ws,
			opts:    opts,
			limiter: rate.NewLimiter(opts.ChatRate, opts.ChatBurst),
			joined:  make(map[uuid.UUID]struct{}),
			logger:  logger.With(zap.String("connection_id", conn.ID())),
		}
		hub.Reply(conn, Welcome(conn.ID(), userID))
		go cl.writePump()
		cl.readPump()
	}
}

func (c *client) readPump() {
	defer c.disconnect()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(PongWait * time.Second))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(PongWait * time.Second))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug("websocket read", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(PongWait * time.Second))

		msg, err := ParseInbound(data)
		if err != nil {
			c.hub.Reply(c.conn, ErrorEnvelope(err.Error()))
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	var err error
	switch m := msg.(type) {
	case RadioChat:
		err = c.chat(ctx, m)
	case JoinRadio:
		err = c.join(ctx, m.SessionID)
	case LeaveRadio:
		c.leave(ctx, m.SessionID)
	case RelayPublish:
		err = c.relayPublish(ctx, m)
	case RelaySubscribe:
		err = c.relaySubscribe(m)
	case RelayListenerAnswer:
		err = c.relayAnswer(m)
	case RelayCandidate:
		if c.opts.Relay != nil {
			err = c.opts.Relay.Candidate(m.SessionID, c.conn.ID(), m.Target, m.Candidate)
		}
	case Unknown:
		c.logger.Debug("ignoring unknown message type", zap.String("type", m.Type))
	}
	if err != nil {
		c.hub.Reply(c.conn, ErrorEnvelope(clientMessage(err)))
	}
}

func clientMessage(err error) string {
	switch {
	case apperr.IsValidation(err), apperr.IsConflict(err), errors.Is(err, ErrNoStream):
		return err.Error()
	case errors.Is(err, apperr.ErrNotFound):
		return "not found"
	case errors.Is(err, apperr.ErrForbidden):
		return "forbidden"
	default:
		return "internal error"
	}
}

func (c *client) user() (uuid.UUID, error) {
	id, ok := c.hub.UserID(c.conn)
	if !ok {
		return uuid.Nil, apperr.ErrForbidden
	}
	return id, nil
}

// chat ignores any client-supplied author; the bound user is the author.
func (c *client) chat(ctx context.Context, m RadioChat) error {
	userID, err := c.user()
	if err != nil {
		return err
	}
	if !c.limiter.Allow() {
		return apperr.Invalid("content", "rate limit exceeded")
	}
	_, err = c.opts.Chat.Post(ctx, m.SessionID, &userID, m.Content, models.ChatKindChat)
	if err != nil && !apperr.IsValidation(err) && !errors.Is(err, apperr.ErrNotFound) {
		c.logger.Error("post chat", zap.String("session_id", m.SessionID.String()), zap.Error(err))
	}
	return err
}

func (c *client) join(ctx context.Context, streamID uuid.UUID) error {
	c.hub.Subscribe(c.conn, streamID)
	userID, ok := c.hub.UserID(c.conn)
	if !ok || c.opts.Presence == nil {
		return nil
	}
	if _, err := c.opts.Presence.Join(ctx, streamID, userID); err != nil {
		return err
	}
	c.joined[streamID] = struct{}{}
	return nil
}

func (c *client) leave(ctx context.Context, streamID uuid.UUID) {
	c.hub.Unsubscribe(c.conn, streamID)
	if c.opts.Relay != nil {
		c.opts.Relay.Leave(streamID, c.conn.ID())
	}
	if _, ok := c.joined[streamID]; !ok {
		return
	}
	delete(c.joined, streamID)
	userID, _ := c.hub.UserID(c.conn)
	if c.hub.UserSubscribed(userID, streamID, c.conn) {
		return
	}
	if _, err := c.opts.Presence.Leave(ctx, streamID, userID); err != nil {
		c.logger.Warn("presence leave", zap.String("session_id", streamID.String()), zap.Error(err))
	}
}

func (c *client) relayPublish(ctx context.Context, m RelayPublish) error {
	if c.opts.Relay == nil || c.opts.Sessions == nil {
		return ErrNoStream
	}
	userID, err := c.user()
	if err != nil {
		return err
	}
	s, err := c.opts.Sessions.Get(ctx, m.SessionID)
	if err != nil {
		return err
	}
	if s.HostID != userID {
		return apperr.ErrForbidden
	}
	if !s.IsLive {
		return apperr.Invalid("sessionId", "session is not live")
	}
	return c.opts.Relay.Publish(m.SessionID, m.SDP, c.reply)
}

func (c *client) relaySubscribe(m RelaySubscribe) error {
	if c.opts.Relay == nil {
		return ErrNoStream
	}
	return c.opts.Relay.Subscribe(m.SessionID, c.conn.ID(), c.reply)
}

func (c *client) relayAnswer(m RelayListenerAnswer) error {
	if c.opts.Relay == nil {
		return ErrNoStream
	}
	return c.opts.Relay.Answer(m.SessionID, c.conn.ID(), m.SDP)
}

func (c *client) reply(env Envelope) {
	c.hub.Reply(c.conn, env)
}

func (c *client) disconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()
	for _, topic := range c.hub.Topics(c.conn) {
		c.leave(ctx, topic)
	}
	c.hub.Unregister(c.conn)
	_ = c.ws.Close()
}

func (c *client) writePump() {
	ticker := time.NewTicker(PingInterval * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case data, ok := <-c.conn.Send():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
