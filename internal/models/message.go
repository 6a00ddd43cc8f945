package models

import "time"

// DeliveryState tracks a client-authored message through the optimistic
// send protocol. Server-originated messages are always DeliverySent.
type DeliveryState string

const (
	DeliveryPending DeliveryState = "pending"
	DeliverySent    DeliveryState = "sent"
	DeliveryFailed  DeliveryState = "failed"
)

type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	AuthorID       string        `json:"author_id"`
	AuthorName     string        `json:"author_name,omitempty"`
	Content        string        `json:"content"`
	CreatedAt      time.Time     `json:"created_at"`
	Delivery       DeliveryState `json:"delivery"`
}
