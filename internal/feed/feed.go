// Package feed maintains the notification list: full-replace refreshes from
// REST, read mutations, and interval polling layered under push delivery.
//
// Push delivery is not exactly-once and not ordered with respect to
// REST-created notifications, so polling stays on even while the channel is
// connected; it is a correctness backstop, not an optimization target.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mediline/clinic-sync/internal/models"
)

// API is the notification-persistence collaborator.
type API interface {
	ListNotifications(ctx context.Context) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Feed mirrors the server's notification list for one session. Read state
// is monotonic per notification: once shown read it never reverts, even
// when a refresh that was already in flight comes back with a stale
// snapshot. Local read mutations are tracked until a refresh initiated
// after the mutation confirms the server caught up.
type Feed struct {
	api API

	mu    sync.Mutex
	items []models.Notification
	index map[string]int

	mutSeq     int            // bumped on every local read mutation
	localRead  map[string]int // id -> mutSeq when locally marked read
	allReadSeq int            // mutSeq of the last mark-all, 0 when none

	refreshToken int
	inflight     map[int]int // refresh token -> mutSeq when it started
}

func New(api API) *Feed {
	return &Feed{
		api:       api,
		index:     make(map[string]int),
		localRead: make(map[string]int),
		inflight:  make(map[int]int),
	}
}

// Refresh pulls the full current list and fully replaces local state,
// re-applying any local read mutations the snapshot predates. An overlay
// entry is only retired once the server reflects it and no refresh older
// than the mutation is still in flight; an older in-flight snapshot could
// otherwise revert the read after the overlay was dropped.
func (f *Feed) Refresh(ctx context.Context) error {
	f.mu.Lock()
	f.refreshToken++
	token := f.refreshToken
	startSeq := f.mutSeq
	f.inflight[token] = startSeq
	f.mu.Unlock()

	items, err := f.api.ListNotifications(ctx)

	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.inflight, token)
	if err != nil {
		return fmt.Errorf("refresh notifications: %w", err)
	}

	oldestInflight := f.mutSeq + 1
	for _, s := range f.inflight {
		if s < oldestInflight {
			oldestInflight = s
		}
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	f.items = items
	f.index = make(map[string]int, len(items))
	for i := range f.items {
		f.index[f.items[i].ID] = i
	}

	// Overlay local mutations the server may not reflect yet.
	allServerRead := true
	for i := range f.items {
		n := &f.items[i]
		serverRead := n.Read
		if !serverRead {
			allServerRead = false
		}
		if seq, ok := f.localRead[n.ID]; ok {
			n.Read = true
			if serverRead && seq <= startSeq && seq <= oldestInflight {
				delete(f.localRead, n.ID)
			}
		}
		if f.allReadSeq > 0 {
			n.Read = true
		}
	}
	if f.allReadSeq > 0 && f.allReadSeq <= startSeq && f.allReadSeq <= oldestInflight && allServerRead {
		f.allReadSeq = 0
	}
	for id := range f.localRead {
		if _, present := f.index[id]; !present {
			delete(f.localRead, id)
		}
	}
	return nil
}

// MarkOneRead marks a single notification read remotely and locally, then
// refreshes. Idempotent: repeated calls converge to the same state.
func (f *Feed) MarkOneRead(ctx context.Context, id string) error {
	if err := f.api.MarkNotificationRead(ctx, id); err != nil {
		return fmt.Errorf("mark notification read: %w", err)
	}

	f.mu.Lock()
	f.mutSeq++
	f.localRead[id] = f.mutSeq
	if i, ok := f.index[id]; ok {
		f.items[i].Read = true
	}
	f.mu.Unlock()

	return f.Refresh(ctx)
}

// MarkAllRead marks every notification read remotely and locally, then
// refreshes.
func (f *Feed) MarkAllRead(ctx context.Context) error {
	if err := f.api.MarkAllNotificationsRead(ctx); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}

	f.mu.Lock()
	f.mutSeq++
	f.allReadSeq = f.mutSeq
	for i := range f.items {
		f.items[i].Read = true
	}
	f.mu.Unlock()

	return f.Refresh(ctx)
}

// Prime seeds the list from a cached snapshot. It only applies before the
// first refresh; authoritative data always wins.
func (f *Feed) Prime(items []models.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.items) > 0 {
		return
	}
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	f.items = items
	f.index = make(map[string]int, len(items))
	for i := range f.items {
		f.index[f.items[i].ID] = i
	}
}

// Notifications returns a snapshot in newest-first order.
func (f *Feed) Notifications() []models.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Notification(nil), f.items...)
}

// UnreadCount reports how many notifications are unread after overlays.
func (f *Feed) UnreadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for i := range f.items {
		if !f.items[i].Read {
			n++
		}
	}
	return n
}

// RunPolling refreshes on a fixed interval until ctx is cancelled. It is
// kept running even while the push channel is healthy.
func (f *Feed) RunPolling(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Refresh(ctx); err != nil {
				slog.Error("notification poll failed", "error", err)
			}
		}
	}
}
