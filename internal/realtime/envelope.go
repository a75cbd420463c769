package realtime

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soundstage/backend/internal/models"
)

// MessageType is the wire discriminator of an envelope.
type MessageType string

// Outbound types. Envelopes can only be built through the constructors below,
// so nothing outside this package can emit a type missing from this list.
const (
	TypeChat                 MessageType = "chat"
	TypeSessionUpdated       MessageType = "session-updated"
	TypeStreamStarted        MessageType = "stream-started"
	TypeStreamEnded          MessageType = "stream-ended"
	TypeStreamMessage        MessageType = "stream-message"
	TypeNewMessage           MessageType = "new-message"
	TypeNotification         MessageType = "notification"
	TypeCollaborationRequest MessageType = "collaboration-request"
	TypeCollaborationUpdate  MessageType = "collaboration-update"
	TypeWelcome              MessageType = "welcome"
	TypeViewerCount          MessageType = "viewer-count"
	TypeError                MessageType = "error"
	TypeRelayAnswer          MessageType = "relay-answer"
	TypeRelayOffer           MessageType = "relay-offer"
	TypeRelayICE             MessageType = "relay-ice"
)

// Envelope is an outbound message, serialized flat as {"type": ..., ...payload}.
type Envelope struct {
	typ    MessageType
	fields map[string]interface{}
}

// Type returns the envelope discriminator.
func (e Envelope) Type() MessageType { return e.typ }

// Field returns a payload field (used by tests and the bridge).
func (e Envelope) Field(name string) interface{} { return e.fields[name] }

// MarshalJSON flattens the payload next to the type.
func (e Envelope) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(e.fields)+1)
	for k, v := range e.fields {
		out[k] = v
	}
	out["type"] = e.typ
	return json.Marshal(out)
}

func (e Envelope) encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.typ, err)
	}
	return data, nil
}

func newEnvelope(t MessageType, fields map[string]interface{}) Envelope {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return Envelope{typ: t, fields: fields}
}

// ChatView is a chat line with the author's display fields resolved at send time.
type ChatView struct {
	models.ChatMessage
	Author *models.UserDisplay `json:"author,omitempty"`
}

// ChatEnvelope carries a persisted chat line. Plain chat goes out as "chat",
// reactions and system lines as "stream-message".
func ChatEnvelope(msg models.ChatMessage, author *models.UserDisplay) Envelope {
	t := TypeChat
	if msg.Kind != models.ChatKindChat {
		t = TypeStreamMessage
	}
	return newEnvelope(t, map[string]interface{}{
		"sessionId": msg.SessionID,
		"message":   ChatView{ChatMessage: msg, Author: author},
	})
}

// SessionUpdated announces a session state change.
func SessionUpdated(s models.Session) Envelope {
	return newEnvelope(TypeSessionUpdated, map[string]interface{}{"session": s})
}

// StreamStarted announces that a session went live.
func StreamStarted(s models.Session) Envelope {
	return newEnvelope(TypeStreamStarted, map[string]interface{}{
		"sessionId": s.ID,
		"hostId":    s.HostID,
		"startedAt": s.ActualStart,
	})
}

// StreamEnded announces that a live session ended.
func StreamEnded(s models.Session) Envelope {
	return newEnvelope(TypeStreamEnded, map[string]interface{}{
		"sessionId": s.ID,
		"endedAt":   s.ActualEnd,
	})
}

// NotificationEnvelope relays a persisted notification, picking the wire type from its kind.
func NotificationEnvelope(n models.Notification) Envelope {
	t := TypeNotification
	switch n.Type {
	case models.NotificationCollaborationRequest:
		t = TypeCollaborationRequest
	case models.NotificationCollaborationUpdate:
		t = TypeCollaborationUpdate
	case models.NotificationMessage:
		t = TypeNewMessage
	}
	return newEnvelope(t, map[string]interface{}{"notification": n})
}

// Welcome is sent unsolicited on connect.
func Welcome(connectionID string, userID *uuid.UUID) Envelope {
	fields := map[string]interface{}{
		"connectionId": connectionID,
		"serverTime":   time.Now().UTC(),
	}
	if userID != nil {
		fields["userId"] = *userID
	}
	return newEnvelope(TypeWelcome, fields)
}

// ViewerCount publishes the recomputed viewer count of a stream.
func ViewerCount(streamID uuid.UUID, count int) Envelope {
	return newEnvelope(TypeViewerCount, map[string]interface{}{"streamId": streamID, "count": count})
}

// ErrorEnvelope reports a rejected inbound message to its sender only.
func ErrorEnvelope(message string) Envelope {
	return newEnvelope(TypeError, map[string]interface{}{"message": message})
}

// RelayAnswer returns the SDP answer to a publishing host.
func RelayAnswer(sessionID uuid.UUID, sdp string) Envelope {
	return newEnvelope(TypeRelayAnswer, map[string]interface{}{"sessionId": sessionID, "sdp": sdp})
}

// RelayOffer sends the SDP offer to a subscribing listener.
func RelayOffer(sessionID uuid.UUID, sdp string) Envelope {
	return newEnvelope(TypeRelayOffer, map[string]interface{}{"sessionId": sessionID, "sdp": sdp})
}

// RelayICE trickles a server-side ICE candidate.
func RelayICE(sessionID uuid.UUID, target string, candidate json.RawMessage) Envelope {
	return newEnvelope(TypeRelayICE, map[string]interface{}{"sessionId": sessionID, "target": target, "candidate": candidate})
}
