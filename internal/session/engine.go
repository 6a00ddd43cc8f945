// Package session owns one authenticated user's synchronization engine: the
// push channel, the event bus, the conversation store, the open message
// timelines, and the notification feed. An Engine is created per session
// and never reused across users; switching users means Stop plus a new
// Engine, so a stale session can never keep receiving another user's
// events.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/mediline/clinic-sync/internal/auth"
	"github.com/mediline/clinic-sync/internal/bus"
	"github.com/mediline/clinic-sync/internal/channel"
	"github.com/mediline/clinic-sync/internal/feed"
	"github.com/mediline/clinic-sync/internal/models"
	"github.com/mediline/clinic-sync/internal/store"
	"github.com/mediline/clinic-sync/internal/timeline"
	"github.com/mediline/clinic-sync/internal/wire"
)

// API joins the message and notification persistence collaborators. The
// REST client in internal/api satisfies it.
type API interface {
	ListConversations(ctx context.Context) ([]models.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]models.Message, error)
	SendMessage(ctx context.Context, conversationID, content string) (models.Message, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
	ListNotifications(ctx context.Context) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
}

// Channel is the push connection surface the engine drives.
// *channel.Connection implements it.
type Channel interface {
	Connect(ctx context.Context, authToken, userID string) error
	Disconnect()
	JoinRoom(roomID string)
	Phase() channel.Phase
}

// Snapshots is the optional warm-start cache (internal/cache).
type Snapshots interface {
	SaveConversations(ctx context.Context, userID string, convs []models.Conversation) error
	LoadConversations(ctx context.Context, userID string) ([]models.Conversation, error)
	SaveNotifications(ctx context.Context, userID string, items []models.Notification) error
	LoadNotifications(ctx context.Context, userID string) ([]models.Notification, error)
	Clear(ctx context.Context, userID string) error
}

// Sink is the optional archive (internal/archive).
type Sink interface {
	SaveMessage(msg models.Message) error
	SaveNotification(n models.Notification) error
}

type Config struct {
	ChannelURL    string
	PollInterval  time.Duration // notification polling baseline
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	EchoWindow    time.Duration
	GapThreshold  time.Duration
}

func (c *Config) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
}

// Options carries the optional collaborators and the channel constructor.
// Tests replace NewChannel with a stub.
type Options struct {
	NewChannel func(events channel.Events) Channel
	Snapshots  Snapshots
	Archive    Sink
}

var ErrConversationNotOpen = errors.New("conversation not open")

type Engine struct {
	cfg       Config
	api       API
	bus       *bus.Bus
	conn      Channel
	store     *store.Store
	feed      *feed.Feed
	snapshots Snapshots
	sink      Sink

	userID  string
	token   string
	limiter *rate.Limiter

	mu          sync.Mutex
	timelines   map[string]*timeline.Timeline
	unsubs      []func()
	cancel      context.CancelFunc
	started     bool
	expiryTimer *time.Timer

	disconnects chan struct{}
}

func New(cfg Config, a API, authToken, userID string, opts Options) *Engine {
	cfg.defaults()
	e := &Engine{
		cfg:         cfg,
		api:         a,
		bus:         bus.New(),
		store:       store.New(userID),
		feed:        feed.New(a),
		snapshots:   opts.Snapshots,
		sink:        opts.Archive,
		userID:      userID,
		token:       authToken,
		timelines:   make(map[string]*timeline.Timeline),
		disconnects: make(chan struct{}, 1),
		limiter:     rate.NewLimiter(rate.Every(cfg.ReconnectBase), 1),
	}

	events := channel.Events{
		OnConnected: func() {
			slog.Info("channel connected", "user_id", userID)
		},
		OnDisconnected: func() {
			slog.Info("channel disconnected", "user_id", userID)
			select {
			case e.disconnects <- struct{}{}:
			default:
			}
		},
		OnError: func(err error) {
			slog.Warn("channel error", "error", err)
		},
		OnEvent: func(ev wire.Event) {
			e.bus.Publish(ev.Type, ev.Payload)
		},
	}
	if opts.NewChannel != nil {
		e.conn = opts.NewChannel(events)
	} else {
		e.conn = channel.New(cfg.ChannelURL, events)
	}
	return e
}

// Start warms the stores, performs the initial REST loads, wires the bus,
// and launches the channel and polling loops. Transport failures are
// retried, never fatal.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	e.warmStart(ctx)

	unsubMsg := e.bus.Subscribe(wire.TypeMessageNew, func(payload json.RawMessage) {
		e.onMessageNew(ctx, payload)
	})
	unsubNotif := e.bus.Subscribe(wire.TypeNotificationNew, func(payload json.RawMessage) {
		e.onNotificationNew(ctx, payload)
	})
	e.mu.Lock()
	e.unsubs = append(e.unsubs, unsubMsg, unsubNotif)
	e.mu.Unlock()

	if err := e.reloadConversations(ctx); err != nil {
		slog.Error("initial conversation load failed", "error", err)
	}
	if err := e.refreshFeed(ctx); err != nil {
		slog.Error("initial notification load failed", "error", err)
	}

	e.scheduleExpiry()

	go e.runChannel(ctx)
	go e.feed.RunPolling(ctx, e.cfg.PollInterval)
	return nil
}

// Stop tears the session down: subscriptions removed, polling cancelled,
// channel disconnected. Safe to call once per engine.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.cancel
	unsubs := e.unsubs
	e.unsubs = nil
	if e.expiryTimer != nil {
		e.expiryTimer.Stop()
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, unsub := range unsubs {
		unsub()
	}
	e.conn.Disconnect()
	slog.Info("session stopped", "user_id", e.userID)
}

// OpenConversation makes the conversation active: joins its room, loads its
// timeline, and clears the viewer's unread counter.
func (e *Engine) OpenConversation(ctx context.Context, conversationID string) (*timeline.Timeline, error) {
	msgs, err := e.api.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}

	tl := timeline.New(conversationID, e.userID, e.api, timeline.Options{
		EchoWindow:   e.cfg.EchoWindow,
		GapThreshold: e.cfg.GapThreshold,
		OnConfirmed: func(tempID string, msg models.Message) {
			e.store.SetLastMessage(conversationID, models.MessagePreview{
				MessageID: msg.ID,
				AuthorID:  msg.AuthorID,
				Content:   msg.Content,
				CreatedAt: msg.CreatedAt,
			})
			e.archiveMessage(msg)
		},
	})
	tl.Load(msgs)

	e.mu.Lock()
	e.timelines[conversationID] = tl
	e.mu.Unlock()

	e.store.SetActive(conversationID)
	e.conn.JoinRoom(wire.ConversationRoom(conversationID))

	e.store.MarkRead(conversationID, e.userID)
	if err := e.api.MarkConversationRead(ctx, conversationID); err != nil {
		slog.Warn("mark conversation read failed", "conversation_id", conversationID, "error", err)
	}
	return tl, nil
}

// CloseConversation drops the timeline and clears the active marker so
// unread counting resumes for it.
func (e *Engine) CloseConversation(conversationID string) {
	e.mu.Lock()
	delete(e.timelines, conversationID)
	e.mu.Unlock()

	if e.store.Active() == conversationID {
		e.store.ClearActive()
	}
}

// Send performs an optimistic send in an open conversation.
func (e *Engine) Send(ctx context.Context, conversationID, content string) (models.Message, error) {
	e.mu.Lock()
	tl, ok := e.timelines[conversationID]
	e.mu.Unlock()
	if !ok {
		return models.Message{}, ErrConversationNotOpen
	}
	return tl.Send(ctx, content)
}

// Conversations exposes the ordered conversation snapshot.
func (e *Engine) Conversations() []models.Conversation {
	return e.store.Conversations()
}

// Notifications exposes the notification snapshot.
func (e *Engine) Notifications() []models.Notification {
	return e.feed.Notifications()
}

// UnreadNotifications reports the feed's unread count.
func (e *Engine) UnreadNotifications() int {
	return e.feed.UnreadCount()
}

// MarkNotificationRead forwards to the feed.
func (e *Engine) MarkNotificationRead(ctx context.Context, id string) error {
	err := e.feed.MarkOneRead(ctx, id)
	e.saveNotificationSnapshot(ctx)
	return err
}

// MarkAllNotificationsRead forwards to the feed.
func (e *Engine) MarkAllNotificationsRead(ctx context.Context) error {
	err := e.feed.MarkAllRead(ctx)
	e.saveNotificationSnapshot(ctx)
	return err
}

// Phase reports the channel connection phase.
func (e *Engine) Phase() channel.Phase {
	return e.conn.Phase()
}

func (e *Engine) UserID() string {
	return e.userID
}

// warmStart primes the store and feed from cached snapshots.
func (e *Engine) warmStart(ctx context.Context) {
	if e.snapshots == nil {
		return
	}
	var corrupt bool
	if convs, err := e.snapshots.LoadConversations(ctx, e.userID); err != nil {
		slog.Warn("conversation snapshot load failed", "error", err)
		corrupt = true
	} else if len(convs) > 0 {
		e.store.LoadInitial(convs)
		slog.Info("warm-started conversations", "count", len(convs))
	}
	if items, err := e.snapshots.LoadNotifications(ctx, e.userID); err != nil {
		slog.Warn("notification snapshot load failed", "error", err)
		corrupt = true
	} else if len(items) > 0 {
		e.feed.Prime(items)
		slog.Info("warm-started notifications", "count", len(items))
	}
	if corrupt {
		// An undecodable snapshot would fail the same way next start.
		if err := e.snapshots.Clear(ctx, e.userID); err != nil {
			slog.Warn("snapshot clear failed", "error", err)
		}
	}
}

// runChannel keeps the push channel alive: capped exponential backoff with
// jitter between attempts, globally throttled by the rate limiter. The
// loop exits only when the session context is cancelled.
func (e *Engine) runChannel(ctx context.Context) {
	delay := e.cfg.ReconnectBase
	for {
		if ctx.Err() != nil {
			return
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return
		}

		if err := e.conn.Connect(ctx, e.token, e.userID); err != nil {
			slog.Warn("channel connect failed", "error", err, "retry_in", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(withJitter(delay)):
			}
			delay *= 2
			if delay > e.cfg.ReconnectMax {
				delay = e.cfg.ReconnectMax
			}
			continue
		}
		delay = e.cfg.ReconnectBase

		// Catch up on anything pushed while we were away.
		e.resync(ctx)

		select {
		case <-ctx.Done():
			return
		case <-e.disconnects:
		}
	}
}

// resync refetches the authoritative state after a (re)connect.
func (e *Engine) resync(ctx context.Context) {
	if err := e.reloadConversations(ctx); err != nil {
		slog.Warn("resync conversations failed", "error", err)
	}
	if err := e.refreshFeed(ctx); err != nil {
		slog.Warn("resync notifications failed", "error", err)
	}
}

func (e *Engine) reloadConversations(ctx context.Context) error {
	convs, err := e.api.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("reload conversations: %w", err)
	}
	e.store.LoadInitial(convs)

	if e.snapshots != nil {
		if err := e.snapshots.SaveConversations(ctx, e.userID, convs); err != nil {
			slog.Warn("conversation snapshot save failed", "error", err)
		}
	}
	return nil
}

func (e *Engine) refreshFeed(ctx context.Context) error {
	if err := e.feed.Refresh(ctx); err != nil {
		return err
	}
	e.saveNotificationSnapshot(ctx)
	return nil
}

func (e *Engine) saveNotificationSnapshot(ctx context.Context) {
	if e.snapshots == nil {
		return
	}
	if err := e.snapshots.SaveNotifications(ctx, e.userID, e.feed.Notifications()); err != nil {
		slog.Warn("notification snapshot save failed", "error", err)
	}
}

func (e *Engine) onMessageNew(ctx context.Context, payload json.RawMessage) {
	var p wire.NewMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Warn("undecodable message event", "error", err)
		return
	}
	msg := models.Message{
		ID:             p.ID,
		ConversationID: p.ConversationID,
		AuthorID:       p.AuthorID,
		AuthorName:     p.AuthorName,
		Content:        p.Content,
		CreatedAt:      p.CreatedAt,
		Delivery:       models.DeliverySent,
	}

	e.mu.Lock()
	tl := e.timelines[p.ConversationID]
	e.mu.Unlock()
	if tl != nil {
		tl.ApplyIncoming(msg)
	}

	if err := e.store.ApplyIncoming(p.ConversationID, msg); err != nil {
		if errors.Is(err, store.ErrUnknownConversation) {
			slog.Info("message for unknown conversation, reloading list", "conversation_id", p.ConversationID)
			if rerr := e.reloadConversations(ctx); rerr != nil {
				slog.Error("conversation reload failed", "error", rerr)
			}
		}
		return
	}
	e.archiveMessage(msg)
}

func (e *Engine) onNotificationNew(ctx context.Context, payload json.RawMessage) {
	var p wire.NotificationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		slog.Warn("undecodable notification event", "error", err)
		return
	}
	if e.sink != nil {
		n := models.Notification{
			ID:        p.ID,
			Type:      models.NotificationType(p.Type),
			Title:     p.Title,
			Body:      p.Body,
			CreatedAt: p.CreatedAt,
			Read:      p.Read,
		}
		if !n.Type.IsValid() {
			n.Type = models.NotificationGeneric
		}
		if err := e.sink.SaveNotification(n); err != nil {
			slog.Warn("notification archive failed", "error", err)
		}
	}

	// Push is a delivery hint; the REST snapshot stays authoritative.
	if err := e.refreshFeed(ctx); err != nil {
		slog.Warn("push-triggered refresh failed", "error", err)
	}
}

func (e *Engine) archiveMessage(msg models.Message) {
	if e.sink == nil || timeline.IsTempID(msg.ID) {
		return
	}
	if err := e.sink.SaveMessage(msg); err != nil {
		slog.Warn("message archive failed", "error", err)
	}
}

// scheduleExpiry stops the session when the token's exp claim lapses.
func (e *Engine) scheduleExpiry() {
	exp, err := auth.TokenExpiry(e.token)
	if err != nil {
		slog.Warn("unparseable session token, skipping expiry watch", "error", err)
		return
	}
	if exp.IsZero() {
		return
	}
	until := time.Until(exp)
	if until <= 0 {
		slog.Warn("session token already expired")
		return
	}
	e.mu.Lock()
	e.expiryTimer = time.AfterFunc(until, func() {
		slog.Info("session token expired, stopping engine", "user_id", e.userID)
		e.Stop()
	})
	e.mu.Unlock()
}

func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
