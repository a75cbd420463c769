package realtime

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Inbound is a client-originated message. The concrete types below are the
// complete set; anything else decodes to Unknown.
type Inbound interface {
	inboundType() string
}

// RadioChat posts a chat line to a session. User is whatever the client sent;
// the author is always the connection's bound user.
type RadioChat struct {
	SessionID uuid.UUID       `json:"sessionId"`
	Content   string          `json:"content"`
	User      json.RawMessage `json:"user,omitempty"`
}

// JoinRadio subscribes the connection to a session's stream.
type JoinRadio struct {
	SessionID uuid.UUID `json:"sessionId"`
}

// LeaveRadio unsubscribes the connection from a session's stream.
type LeaveRadio struct {
	SessionID uuid.UUID `json:"sessionId"`
}

// RelayPublish carries the host's SDP offer for the audio relay.
type RelayPublish struct {
	SessionID uuid.UUID `json:"sessionId"`
	SDP       string    `json:"sdp"`
}

// RelaySubscribe asks for a listener peer connection.
type RelaySubscribe struct {
	SessionID uuid.UUID `json:"sessionId"`
}

// RelayListenerAnswer carries the listener's SDP answer.
type RelayListenerAnswer struct {
	SessionID uuid.UUID `json:"sessionId"`
	SDP       string    `json:"sdp"`
}

// RelayCandidate trickles a client ICE candidate; Target is "publisher" or "subscriber".
type RelayCandidate struct {
	SessionID uuid.UUID       `json:"sessionId"`
	Target    string          `json:"target"`
	Candidate json.RawMessage `json:"candidate"`
}

// Unknown is any unrecognized type. It is logged and ignored.
type Unknown struct {
	Type string
}

func (RadioChat) inboundType() string           { return "radio_chat" }
func (JoinRadio) inboundType() string           { return "join_radio" }
func (LeaveRadio) inboundType() string          { return "leave_radio" }
func (RelayPublish) inboundType() string        { return "relay_publish" }
func (RelaySubscribe) inboundType() string      { return "relay_subscribe" }
func (RelayListenerAnswer) inboundType() string { return "relay_answer" }
func (RelayCandidate) inboundType() string      { return "relay_ice" }
func (u Unknown) inboundType() string           { return u.Type }

// ErrMalformed is returned for frames that are not a JSON object with a string type.
var ErrMalformed = errors.New("malformed message")

// ParseInbound decodes a client frame of the form {"type": ..., ...payload}.
func ParseInbound(data []byte) (Inbound, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		return nil, ErrMalformed
	}
	switch head.Type {
	case "radio_chat":
		return decodeInbound[RadioChat](data)
	case "join_radio":
		return decodeInbound[JoinRadio](data)
	case "leave_radio":
		return decodeInbound[LeaveRadio](data)
	case "relay_publish":
		return decodeInbound[RelayPublish](data)
	case "relay_subscribe":
		return decodeInbound[RelaySubscribe](data)
	case "relay_answer":
		return decodeInbound[RelayListenerAnswer](data)
	case "relay_ice":
		return decodeInbound[RelayCandidate](data)
	default:
		return Unknown{Type: head.Type}, nil
	}
}

type sessionScoped interface {
	Inbound
	sessionID() uuid.UUID
}

func (m RadioChat) sessionID() uuid.UUID           { return m.SessionID }
func (m JoinRadio) sessionID() uuid.UUID           { return m.SessionID }
func (m LeaveRadio) sessionID() uuid.UUID          { return m.SessionID }
func (m RelayPublish) sessionID() uuid.UUID        { return m.SessionID }
func (m RelaySubscribe) sessionID() uuid.UUID      { return m.SessionID }
func (m RelayListenerAnswer) sessionID() uuid.UUID { return m.SessionID }
func (m RelayCandidate) sessionID() uuid.UUID      { return m.SessionID }

func decodeInbound[T sessionScoped](data []byte) (Inbound, error) {
	var msg T
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, msg.inboundType(), err)
	}
	if msg.sessionID() == uuid.Nil {
		return nil, fmt.Errorf("%w: %s: sessionId required", ErrMalformed, msg.inboundType())
	}
	return msg, nil
}
