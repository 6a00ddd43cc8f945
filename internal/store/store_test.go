package store_test

import (
	"errors"
	"testing"
	"time"

	"github.com/mediline/clinic-sync/internal/models"
	"github.com/mediline/clinic-sync/internal/store"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func conv(id string, updatedAt time.Time) models.Conversation {
	return models.Conversation{
		ID:        id,
		Unread:    map[string]int{},
		UpdatedAt: updatedAt,
	}
}

func msg(id, convID, author string, at time.Time) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: convID,
		AuthorID:       author,
		Content:        "content of " + id,
		CreatedAt:      at,
		Delivery:       models.DeliverySent,
	}
}

func ids(convs []models.Conversation) []string {
	out := make([]string, len(convs))
	for i, c := range convs {
		out[i] = c.ID
	}
	return out
}

func TestLoadInitialOrdersByUpdatedAtDescending(t *testing.T) {
	s := store.New("u1")
	s.LoadInitial([]models.Conversation{
		conv("old", base.Add(-2*time.Hour)),
		conv("new", base),
		conv("mid", base.Add(-time.Hour)),
	})

	got := ids(s.Conversations())
	want := []string{"new", "mid", "old"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestApplyIncomingMovesConversationToFront(t *testing.T) {
	s := store.New("u1")
	// Scenario: [X(updatedAt=10), Y(updatedAt=5)], message to Y at t=20.
	s.LoadInitial([]models.Conversation{
		conv("X", base.Add(10*time.Second)),
		conv("Y", base.Add(5*time.Second)),
	})

	if err := s.ApplyIncoming("Y", msg("m1", "Y", "u2", base.Add(20*time.Second))); err != nil {
		t.Fatalf("ApplyIncoming: %v", err)
	}

	got := ids(s.Conversations())
	if got[0] != "Y" || got[1] != "X" {
		t.Fatalf("expected [Y X], got %v", got)
	}
	if n := s.Unread("Y", "u1"); n != 1 {
		t.Fatalf("expected unread 1 for u1 on Y, got %d", n)
	}
}

func TestApplyIncomingPreservesRelativeOrderOfOthers(t *testing.T) {
	s := store.New("u1")
	s.LoadInitial([]models.Conversation{
		conv("a", base.Add(4*time.Hour)),
		conv("b", base.Add(3*time.Hour)),
		conv("c", base.Add(2*time.Hour)),
		conv("d", base.Add(1*time.Hour)),
	})

	if err := s.ApplyIncoming("c", msg("m1", "c", "u2", base.Add(5*time.Hour))); err != nil {
		t.Fatalf("ApplyIncoming: %v", err)
	}

	got := ids(s.Conversations())
	want := []string{"c", "a", "b", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, got)
		}
	}
}

func TestUnreadIncrementsOncePerInboundMessage(t *testing.T) {
	s := store.New("u1")
	s.LoadInitial([]models.Conversation{conv("C", base)})

	for i := 0; i < 5; i++ {
		at := base.Add(time.Duration(i+1) * time.Minute)
		if err := s.ApplyIncoming("C", msg("m"+string(rune('0'+i)), "C", "u2", at)); err != nil {
			t.Fatalf("ApplyIncoming: %v", err)
		}
	}

	if n := s.Unread("C", "u1"); n != 5 {
		t.Fatalf("expected unread 5, got %d", n)
	}
}

func TestActiveConversationSuppressesUnread(t *testing.T) {
	s := store.New("u1")
	s.LoadInitial([]models.Conversation{conv("C", base)})
	s.SetActive("C")

	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i+1) * time.Minute)
		if err := s.ApplyIncoming("C", msg("m"+string(rune('0'+i)), "C", "u2", at)); err != nil {
			t.Fatalf("ApplyIncoming: %v", err)
		}
	}
	if n := s.Unread("C", "u1"); n != 0 {
		t.Fatalf("expected unread 0 while active, got %d", n)
	}

	s.ClearActive()
	if err := s.ApplyIncoming("C", msg("m9", "C", "u2", base.Add(10*time.Minute))); err != nil {
		t.Fatalf("ApplyIncoming: %v", err)
	}
	if n := s.Unread("C", "u1"); n != 1 {
		t.Fatalf("expected unread 1 after clearing active, got %d", n)
	}
}

func TestOwnMessagesNeverCountAsUnread(t *testing.T) {
	s := store.New("u1")
	s.LoadInitial([]models.Conversation{
		conv("A", base),
		conv("B", base.Add(time.Minute)),
	})
	s.SetActive("B")

	// The viewer's own message echoes back for a conversation that is not
	// active, e.g. sent from a still-open background conversation or from a
	// second device.
	if err := s.ApplyIncoming("A", msg("m1", "A", "u1", base.Add(2*time.Minute))); err != nil {
		t.Fatalf("ApplyIncoming: %v", err)
	}
	if n := s.Unread("A", "u1"); n != 0 {
		t.Fatalf("own message counted as unread, got %d", n)
	}

	// The echo still refreshes the preview and the ordering.
	got := ids(s.Conversations())
	if got[0] != "A" {
		t.Fatalf("expected A at the front, got %v", got)
	}
	c, _ := s.Get("A")
	if c.LastMessage == nil || c.LastMessage.MessageID != "m1" {
		t.Fatalf("expected preview m1, got %+v", c.LastMessage)
	}

	// A colleague's message in the same situation still counts.
	if err := s.ApplyIncoming("A", msg("m2", "A", "u2", base.Add(3*time.Minute))); err != nil {
		t.Fatalf("ApplyIncoming: %v", err)
	}
	if n := s.Unread("A", "u1"); n != 1 {
		t.Fatalf("expected unread 1 for a colleague's message, got %d", n)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	s := store.New("u1")
	s.LoadInitial([]models.Conversation{conv("C", base)})
	if err := s.ApplyIncoming("C", msg("m1", "C", "u2", base.Add(time.Minute))); err != nil {
		t.Fatalf("ApplyIncoming: %v", err)
	}

	s.MarkRead("C", "u1")
	if n := s.Unread("C", "u1"); n != 0 {
		t.Fatalf("expected unread 0 after MarkRead, got %d", n)
	}
	s.MarkRead("C", "u1")
	if n := s.Unread("C", "u1"); n != 0 {
		t.Fatalf("expected unread 0 after second MarkRead, got %d", n)
	}
}

func TestApplyIncomingUnknownConversation(t *testing.T) {
	s := store.New("u1")
	s.LoadInitial([]models.Conversation{conv("C", base)})

	err := s.ApplyIncoming("ghost", msg("m1", "ghost", "u2", base))
	if !errors.Is(err, store.ErrUnknownConversation) {
		t.Fatalf("expected ErrUnknownConversation, got %v", err)
	}
}

func TestApplyIncomingUpdatesPreviewAndUpdatedAt(t *testing.T) {
	s := store.New("u1")
	s.LoadInitial([]models.Conversation{conv("C", base)})

	at := base.Add(time.Minute)
	if err := s.ApplyIncoming("C", msg("m1", "C", "u2", at)); err != nil {
		t.Fatalf("ApplyIncoming: %v", err)
	}

	c, ok := s.Get("C")
	if !ok {
		t.Fatal("conversation missing")
	}
	if c.LastMessage == nil || c.LastMessage.MessageID != "m1" {
		t.Fatalf("expected preview for m1, got %+v", c.LastMessage)
	}
	if !c.UpdatedAt.Equal(at) {
		t.Fatalf("expected UpdatedAt %v, got %v", at, c.UpdatedAt)
	}
}

func TestUpdatedAtNeverDecreases(t *testing.T) {
	s := store.New("u1")
	s.LoadInitial([]models.Conversation{conv("C", base)})

	if err := s.ApplyIncoming("C", msg("m1", "C", "u2", base.Add(time.Hour))); err != nil {
		t.Fatalf("ApplyIncoming: %v", err)
	}
	// Out-of-order delivery with an older timestamp.
	if err := s.ApplyIncoming("C", msg("m0", "C", "u2", base.Add(time.Minute))); err != nil {
		t.Fatalf("ApplyIncoming: %v", err)
	}

	c, _ := s.Get("C")
	if !c.UpdatedAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("UpdatedAt regressed to %v", c.UpdatedAt)
	}
}

func TestSetLastMessageMigratesPreviewWithoutUnreadChange(t *testing.T) {
	s := store.New("u1")
	s.LoadInitial([]models.Conversation{conv("C", base)})

	s.SetLastMessage("C", models.MessagePreview{
		MessageID: "m-42",
		AuthorID:  "u1",
		Content:   "hello",
		CreatedAt: base.Add(time.Minute),
	})

	c, _ := s.Get("C")
	if c.LastMessage == nil || c.LastMessage.MessageID != "m-42" {
		t.Fatalf("expected preview m-42, got %+v", c.LastMessage)
	}
	if n := s.Unread("C", "u1"); n != 0 {
		t.Fatalf("SetLastMessage must not touch unread, got %d", n)
	}
}

func TestLoadInitialReplacesWholesale(t *testing.T) {
	s := store.New("u1")
	s.LoadInitial([]models.Conversation{conv("old", base)})
	s.LoadInitial([]models.Conversation{conv("fresh", base.Add(time.Hour))})

	if _, ok := s.Get("old"); ok {
		t.Fatal("old conversation survived a wholesale reload")
	}
	if _, ok := s.Get("fresh"); !ok {
		t.Fatal("fresh conversation missing after reload")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	s := store.New("u1")
	s.LoadInitial([]models.Conversation{conv("C", base)})

	snap := s.Conversations()
	snap[0].Unread["u1"] = 99

	if n := s.Unread("C", "u1"); n != 0 {
		t.Fatalf("mutating a snapshot leaked into the store, unread=%d", n)
	}
}
