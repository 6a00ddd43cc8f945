// Package wire defines the push channel envelope and event payloads
// exchanged with the clinic backend.
package wire

import (
	"encoding/json"
	"time"
)

const (
	// outbound control events
	TypeJoinUserRoom     = "room.join_user"
	TypeJoinConversation = "room.join_conversation"
	TypePing             = "ping"

	// inbound data events
	TypeMessageNew      = "message.new"
	TypeNotificationNew = "notification.new"
	TypeError           = "error"
	TypePong            = "pong"
)

// Event is the envelope for every frame on the channel, in both directions.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinUserRoomPayload struct {
	UserID string `json:"user_id"`
}

type JoinConversationPayload struct {
	ConversationID string `json:"conversation_id"`
}

type NewMessagePayload struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AuthorID       string    `json:"author_id"`
	AuthorName     string    `json:"author_name,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"created_at"`
}

type NotificationPayload struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
	Read      bool      `json:"read"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// NewEvent marshals payload into an envelope ready to write to the channel.
func NewEvent(eventType string, payload interface{}) ([]byte, error) {
	var p json.RawMessage
	if payload != nil {
		var err error
		p, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	ev := Event{Type: eventType, Payload: p}
	return json.Marshal(ev)
}

// UserRoom returns the per-user room id for userID.
func UserRoom(userID string) string {
	return "user:" + userID
}

// ConversationRoom returns the per-conversation room id.
func ConversationRoom(conversationID string) string {
	return "conversation:" + conversationID
}
