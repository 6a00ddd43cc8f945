// Package cache warm-starts a session from Redis snapshots of the
// conversation list and notification feed, so a restarted agent has
// something to paint before the first REST fetch lands. Snapshots are
// advisory; REST stays authoritative.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mediline/clinic-sync/internal/models"
)

const snapshotTTL = 24 * time.Hour

type Snapshots struct {
	client *redis.Client
}

func NewSnapshots(client *redis.Client) *Snapshots {
	return &Snapshots{client: client}
}

func conversationsKey(userID string) string {
	return "sync:conversations:" + userID
}

func notificationsKey(userID string) string {
	return "sync:notifications:" + userID
}

func (s *Snapshots) SaveConversations(ctx context.Context, userID string, convs []models.Conversation) error {
	data, err := json.Marshal(convs)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, conversationsKey(userID), data, snapshotTTL).Err()
}

func (s *Snapshots) LoadConversations(ctx context.Context, userID string) ([]models.Conversation, error) {
	data, err := s.client.Get(ctx, conversationsKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var convs []models.Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (s *Snapshots) SaveNotifications(ctx context.Context, userID string, items []models.Notification) error {
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, notificationsKey(userID), data, snapshotTTL).Err()
}

func (s *Snapshots) LoadNotifications(ctx context.Context, userID string) ([]models.Notification, error) {
	data, err := s.client.Get(ctx, notificationsKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var items []models.Notification
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}

// Clear drops a user's snapshots, used when a session ends on user switch.
func (s *Snapshots) Clear(ctx context.Context, userID string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, conversationsKey(userID))
	pipe.Del(ctx, notificationsKey(userID))
	_, err := pipe.Exec(ctx)
	return err
}
