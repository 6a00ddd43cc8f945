// Package archive mirrors confirmed messages and received notifications
// into Postgres for the clinic admin console's reporting. It is a sink:
// the sync engine writes through it and never reads it back.
package archive

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mediline/clinic-sync/internal/models"
)

func InitDB(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// SaveMessage records a server-confirmed message. Duplicate deliveries of
// the same message id are absorbed.
func (s *Store) SaveMessage(msg models.Message) error {
	_, err := s.db.Exec(
		`INSERT INTO archived_messages (id, conversation_id, author_id, author_name, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (id) DO NOTHING`,
		msg.ID, msg.ConversationID, msg.AuthorID, msg.AuthorName, msg.Content, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to archive message: %w", err)
	}
	return nil
}

// SaveNotification records a received notification, updating read state on
// re-delivery.
func (s *Store) SaveNotification(n models.Notification) error {
	_, err := s.db.Exec(
		`INSERT INTO archived_notifications (id, type, title, body, created_at, read)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET read = archived_notifications.read OR EXCLUDED.read`,
		n.ID, string(n.Type), n.Title, n.Body, n.CreatedAt, n.Read,
	)
	if err != nil {
		return fmt.Errorf("failed to archive notification: %w", err)
	}
	return nil
}
