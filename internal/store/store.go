// Package store keeps the ordered conversation list with last-message
// previews and per-user unread counters.
package store

import (
	"errors"
	"sort"
	"sync"

	"github.com/mediline/clinic-sync/internal/models"
)

// ErrUnknownConversation reports an inbound message for a conversation not
// present locally. The caller is expected to trigger a full reload; the
// event must not be dropped silently.
var ErrUnknownConversation = errors.New("unknown conversation")

// Store owns the conversation records for exactly one session. Order is
// most-recently-updated first.
type Store struct {
	mu     sync.Mutex
	viewer string
	order  []*models.Conversation
	byID   map[string]*models.Conversation
	active string
}

func New(viewerID string) *Store {
	return &Store{
		viewer: viewerID,
		byID:   make(map[string]*models.Conversation),
	}
}

// LoadInitial replaces the contents wholesale with the REST snapshot and
// establishes the start order by UpdatedAt descending.
func (s *Store) LoadInitial(conversations []models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = make([]*models.Conversation, 0, len(conversations))
	s.byID = make(map[string]*models.Conversation, len(conversations))
	for i := range conversations {
		c := conversations[i]
		if c.Unread == nil {
			c.Unread = make(map[string]int)
		}
		if _, dup := s.byID[c.ID]; dup {
			continue
		}
		s.byID[c.ID] = &c
		s.order = append(s.order, &c)
	}
	sort.SliceStable(s.order, func(i, j int) bool {
		return s.order[i].UpdatedAt.After(s.order[j].UpdatedAt)
	})
}

// ApplyIncoming folds a new message into the conversation: updates the
// preview, bumps UpdatedAt, moves the conversation to the front of the
// list, and increments the viewer's unread counter. Messages the viewer
// authored and messages in the active conversation never count as unread.
// Returns ErrUnknownConversation when the id is not present locally.
func (s *Store) ApplyIncoming(conversationID string, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return ErrUnknownConversation
	}

	c.LastMessage = &models.MessagePreview{
		MessageID: msg.ID,
		AuthorID:  msg.AuthorID,
		Content:   msg.Content,
		CreatedAt: msg.CreatedAt,
	}
	if msg.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = msg.CreatedAt
	}
	s.moveToFrontLocked(conversationID)

	if s.active != conversationID && msg.AuthorID != s.viewer {
		c.Unread[s.viewer]++
	}
	return nil
}

// SetLastMessage updates only the preview projection. The timeline's
// reconciliation step uses it to migrate a temporary message id to the
// server-assigned one without touching unread counters.
func (s *Store) SetLastMessage(conversationID string, preview models.MessagePreview) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return
	}
	c.LastMessage = &preview
	if preview.CreatedAt.After(c.UpdatedAt) {
		c.UpdatedAt = preview.CreatedAt
	}
	s.moveToFrontLocked(conversationID)
}

// MarkRead zeroes userID's unread counter. Calling it on an already-zero
// counter or an unknown conversation is a no-op.
func (s *Store) MarkRead(conversationID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.byID[conversationID]; ok {
		c.Unread[userID] = 0
	}
}

// SetActive records the conversation the viewer currently has open, which
// suppresses unread increments for it. Pass "" (or call ClearActive) when
// no conversation is open.
func (s *Store) SetActive(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = conversationID
}

func (s *Store) ClearActive() {
	s.SetActive("")
}

func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Conversations returns a snapshot of the list in display order.
func (s *Store) Conversations() []models.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Conversation, 0, len(s.order))
	for _, c := range s.order {
		out = append(out, s.copyLocked(c))
	}
	return out
}

// Get returns a snapshot of one conversation.
func (s *Store) Get(conversationID string) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.byID[conversationID]
	if !ok {
		return models.Conversation{}, false
	}
	return s.copyLocked(c), true
}

// Unread reports userID's unread counter for the conversation.
func (s *Store) Unread(conversationID, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.byID[conversationID]; ok {
		return c.Unread[userID]
	}
	return 0
}

// moveToFrontLocked performs the stable remove+reinsert at index 0. The
// relative order of every other conversation is preserved, and the cost
// does not depend on a re-sort of the whole list.
func (s *Store) moveToFrontLocked(conversationID string) {
	idx := -1
	for i, c := range s.order {
		if c.ID == conversationID {
			idx = i
			break
		}
	}
	if idx <= 0 {
		return
	}
	c := s.order[idx]
	copy(s.order[1:idx+1], s.order[:idx])
	s.order[0] = c
}

func (s *Store) copyLocked(c *models.Conversation) models.Conversation {
	out := *c
	out.Participants = append([]models.UserRef(nil), c.Participants...)
	out.Unread = make(map[string]int, len(c.Unread))
	for k, v := range c.Unread {
		out.Unread[k] = v
	}
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}
