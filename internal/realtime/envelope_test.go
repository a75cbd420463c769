package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundstage/backend/internal/models"
)

func decode(t *testing.T, env Envelope) map[string]interface{} {
	t.Helper()
	b, err := env.encode()
	require.NoError(t, err)
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func TestChatEnvelopeTypeFollowsKind(t *testing.T) {
	author := uuid.New()
	msg := models.ChatMessage{ID: uuid.New(), SessionID: uuid.New(), AuthorID: &author, Body: "yo", Kind: models.ChatKindChat, Seq: 7}

	got := decode(t, ChatEnvelope(msg, &models.UserDisplay{ID: author, DisplayName: "DJ"}))
	assert.Equal(t, "chat", got["type"])
	assert.Equal(t, msg.SessionID.String(), got["sessionId"])
	inner := got["message"].(map[string]interface{})
	assert.Equal(t, "yo", inner["body"])
	assert.Equal(t, "DJ", inner["author"].(map[string]interface{})["display_name"])

	msg.Kind = models.ChatKindReaction
	assert.Equal(t, TypeStreamMessage, ChatEnvelope(msg, nil).Type())
	msg.Kind = models.ChatKindSystem
	assert.Equal(t, TypeStreamMessage, ChatEnvelope(msg, nil).Type())
}

func TestNotificationEnvelopeType(t *testing.T) {
	cases := map[string]MessageType{
		models.NotificationCollaborationRequest: TypeCollaborationRequest,
		models.NotificationCollaborationUpdate:  TypeCollaborationUpdate,
		models.NotificationMessage:              TypeNewMessage,
		models.NotificationPurchase:             TypeNotification,
		models.NotificationTip:                  TypeNotification,
		"something_else":                        TypeNotification,
	}
	for typ, want := range cases {
		env := NotificationEnvelope(models.Notification{ID: uuid.New(), Type: typ})
		assert.Equal(t, want, env.Type(), typ)
	}
}

func TestWelcomeOmitsAnonymousUser(t *testing.T) {
	got := decode(t, Welcome("c1", nil))
	assert.Equal(t, "welcome", got["type"])
	assert.Equal(t, "c1", got["connectionId"])
	_, has := got["userId"]
	assert.False(t, has)

	user := uuid.New()
	got = decode(t, Welcome("c2", &user))
	assert.Equal(t, user.String(), got["userId"])
}

func TestStreamLifecycleEnvelopes(t *testing.T) {
	now := time.Now().UTC()
	s := models.Session{ID: uuid.New(), HostID: uuid.New(), Status: models.SessionLive, IsLive: true, ActualStart: &now}

	started := decode(t, StreamStarted(s))
	assert.Equal(t, "stream-started", started["type"])
	assert.Equal(t, s.HostID.String(), started["hostId"])

	updated := decode(t, SessionUpdated(s))
	assert.Equal(t, "session-updated", updated["type"])
	assert.NotNil(t, updated["session"])
}
