package archive

import "database/sql"

const schema = `
CREATE TABLE IF NOT EXISTS archived_messages (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL,
    author_id       TEXT NOT NULL,
    author_name     TEXT NOT NULL DEFAULT '',
    content         TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL,
    archived_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_archived_messages_conv_created ON archived_messages (conversation_id, created_at DESC);

CREATE TABLE IF NOT EXISTS archived_notifications (
    id          TEXT PRIMARY KEY,
    type        VARCHAR(20) NOT NULL DEFAULT 'generic',
    title       TEXT NOT NULL,
    body        TEXT NOT NULL DEFAULT '',
    created_at  TIMESTAMPTZ NOT NULL,
    read        BOOLEAN NOT NULL DEFAULT FALSE,
    archived_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

func RunMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
