// Package timeline keeps the per-conversation ordered message log and runs
// the optimistic-send protocol: a client-authored message is inserted as
// pending, sent over REST, and later reconciled in place with the
// server-confirmed record.
package timeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediline/clinic-sync/internal/models"
)

const tempIDPrefix = "tmp-"

// DefaultEchoWindow bounds how far apart a pending message's client clock
// and its channel echo's server clock may be while still being treated as
// the same logical message.
const DefaultEchoWindow = 30 * time.Second

// DefaultGapThreshold is the idle gap after which a "new segment" marker is
// suggested to the UI.
const DefaultGapThreshold = 15 * time.Minute

// Sender is the authoritative message-persistence collaborator.
type Sender interface {
	SendMessage(ctx context.Context, conversationID, content string) (models.Message, error)
}

// Options tune reconciliation; zero values pick the defaults.
type Options struct {
	EchoWindow   time.Duration
	GapThreshold time.Duration
	Clock        func() time.Time

	// OnConfirmed fires after a pending message is replaced by its
	// server-confirmed record, so projections keyed by the temporary id
	// (the conversation preview) can migrate to the permanent id.
	OnConfirmed func(tempID string, msg models.Message)
}

type Timeline struct {
	conversationID string
	selfID         string
	sender         Sender
	echoWindow     time.Duration
	gapThreshold   time.Duration
	clock          func() time.Time
	onConfirmed    func(string, models.Message)

	mu    sync.Mutex
	msgs  []models.Message
	index map[string]int
}

func New(conversationID, selfID string, sender Sender, opts Options) *Timeline {
	if opts.EchoWindow <= 0 {
		opts.EchoWindow = DefaultEchoWindow
	}
	if opts.GapThreshold <= 0 {
		opts.GapThreshold = DefaultGapThreshold
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Timeline{
		conversationID: conversationID,
		selfID:         selfID,
		sender:         sender,
		echoWindow:     opts.EchoWindow,
		gapThreshold:   opts.GapThreshold,
		clock:          opts.Clock,
		onConfirmed:    opts.OnConfirmed,
		index:          make(map[string]int),
	}
}

// IsTempID reports whether id belongs to the client-generated id space.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// Load replaces the log with a REST snapshot, ordered by CreatedAt (stable
// for ties).
func (t *Timeline) Load(msgs []models.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.msgs = t.msgs[:0]
	t.index = make(map[string]int, len(msgs))
	for _, m := range msgs {
		if _, dup := t.index[m.ID]; dup {
			continue
		}
		if m.Delivery == "" {
			m.Delivery = models.DeliverySent
		}
		t.insertOrderedLocked(m)
	}
}

// Send inserts an optimistic pending message at the tail, issues the
// authoritative send, and reconciles the result in place. On failure the
// message stays in the log marked failed; resending is a new Send, never an
// automatic retry.
func (t *Timeline) Send(ctx context.Context, content string) (models.Message, error) {
	tempID := tempIDPrefix + uuid.NewString()
	draft := models.Message{
		ID:             tempID,
		ConversationID: t.conversationID,
		AuthorID:       t.selfID,
		Content:        content,
		CreatedAt:      t.clock(),
		Delivery:       models.DeliveryPending,
	}

	t.mu.Lock()
	t.index[tempID] = len(t.msgs)
	t.msgs = append(t.msgs, draft)
	t.mu.Unlock()

	confirmed, err := t.sender.SendMessage(ctx, t.conversationID, content)
	if err != nil {
		t.mu.Lock()
		failed := draft
		if i, ok := t.index[tempID]; ok {
			t.msgs[i].Delivery = models.DeliveryFailed
			failed = t.msgs[i]
		}
		t.mu.Unlock()
		return failed, fmt.Errorf("send message: %w", err)
	}

	msg, acked := t.confirm(tempID, confirmed)
	if !acked {
		// The channel echo won the race and already confirmed it.
		msg, _ = t.Get(confirmed.ID)
	}
	return msg, nil
}

// ApplyIncoming folds a channel-announced message into the log. A message
// the client itself sent and is still awaiting confirmation for is matched
// by author, content, and approximate timestamp and treated as the ack;
// the log never holds two entries for the same logical message. Returns
// true when the log changed.
func (t *Timeline) ApplyIncoming(msg models.Message) bool {
	if msg.ConversationID != t.conversationID {
		return false
	}
	msg.Delivery = models.DeliverySent

	t.mu.Lock()
	if _, dup := t.index[msg.ID]; dup {
		t.mu.Unlock()
		return false
	}
	if msg.AuthorID == t.selfID {
		if tempID, ok := t.matchPendingLocked(msg); ok {
			t.replaceLocked(tempID, msg)
			t.mu.Unlock()
			t.notifyConfirmed(tempID, msg)
			return true
		}
	}
	t.insertOrderedLocked(msg)
	t.mu.Unlock()
	return true
}

// Messages returns a snapshot of the log in render order.
func (t *Timeline) Messages() []models.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.Message(nil), t.msgs...)
}

// Get returns a snapshot of one message by id.
func (t *Timeline) Get(id string) (models.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.index[id]; ok {
		return t.msgs[i], true
	}
	return models.Message{}, false
}

// GapIndexes lists the positions whose gap to the previous message exceeds
// the configured threshold. Purely informational for a UI segment marker;
// the canonical ordering is unaffected.
func (t *Timeline) GapIndexes() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var gaps []int
	for i := 1; i < len(t.msgs); i++ {
		if t.msgs[i].CreatedAt.Sub(t.msgs[i-1].CreatedAt) > t.gapThreshold {
			gaps = append(gaps, i)
		}
	}
	return gaps
}

// confirm replaces the pending record with the server-confirmed one at the
// same position. Reports false when the pending entry is already gone (a
// channel echo reconciled it first).
func (t *Timeline) confirm(tempID string, msg models.Message) (models.Message, bool) {
	msg.Delivery = models.DeliverySent

	t.mu.Lock()
	if _, ok := t.index[tempID]; !ok {
		t.mu.Unlock()
		return models.Message{}, false
	}
	t.replaceLocked(tempID, msg)
	t.mu.Unlock()

	t.notifyConfirmed(tempID, msg)
	return msg, true
}

// replaceLocked swaps the record in place: same position, new identity.
func (t *Timeline) replaceLocked(oldID string, msg models.Message) {
	i := t.index[oldID]
	delete(t.index, oldID)
	t.msgs[i] = msg
	t.index[msg.ID] = i
}

// matchPendingLocked finds the oldest pending message with the same content
// whose client-estimated timestamp is within the echo window of msg.
func (t *Timeline) matchPendingLocked(msg models.Message) (string, bool) {
	for _, m := range t.msgs {
		if m.Delivery != models.DeliveryPending {
			continue
		}
		if m.Content != msg.Content {
			continue
		}
		d := msg.CreatedAt.Sub(m.CreatedAt)
		if d < 0 {
			d = -d
		}
		if d <= t.echoWindow {
			return m.ID, true
		}
	}
	return "", false
}

// insertOrderedLocked places msg at its CreatedAt position, after any
// existing entries with the same timestamp.
func (t *Timeline) insertOrderedLocked(msg models.Message) {
	pos := len(t.msgs)
	for pos > 0 && t.msgs[pos-1].CreatedAt.After(msg.CreatedAt) {
		pos--
	}
	t.msgs = append(t.msgs, models.Message{})
	copy(t.msgs[pos+1:], t.msgs[pos:])
	t.msgs[pos] = msg
	for i := pos; i < len(t.msgs); i++ {
		t.index[t.msgs[i].ID] = i
	}
}

func (t *Timeline) notifyConfirmed(tempID string, msg models.Message) {
	if t.onConfirmed != nil {
		t.onConfirmed(tempID, msg)
	}
}

// ConversationID identifies which conversation this log belongs to.
func (t *Timeline) ConversationID() string {
	return t.conversationID
}
