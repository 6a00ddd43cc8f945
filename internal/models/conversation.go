package models

import "time"

type UserRef struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// MessagePreview is the read-only projection of a conversation's most
// recent message. It is owned by the timeline's reconciliation step, not
// an independent copy of the message.
type MessagePreview struct {
	MessageID string    `json:"message_id"`
	AuthorID  string    `json:"author_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type Conversation struct {
	ID           string          `json:"id"`
	Participants []UserRef       `json:"participants"`
	LastMessage  *MessagePreview `json:"last_message,omitempty"`
	Unread       map[string]int  `json:"unread"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
