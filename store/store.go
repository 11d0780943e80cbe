// Package store persists conversations, messages, reactions, closed group key pairs, config
// recency marks and envelopes waiting on a key pair. Every method other than Run, RunReadOnly and
// Lock expects to be called inside a transaction.
package store

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-inbox/config"
	"github.com/meow-io/go-inbox/internal/db"
	"github.com/meow-io/go-inbox/migration"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("store: not found")

type Store struct {
	*db.Database
	log *zap.SugaredLogger
}

func New(c *config.Config, internalDB *db.Database) (*Store, error) {
	s := &Store{Database: internalDB, log: c.Logger("store")}

	if err := internalDB.MigrateNoLock("_store", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _conversations (
						id TEXT PRIMARY KEY,
						type INTEGER NOT NULL,
						name TEXT NOT NULL DEFAULT '',
						display_name TEXT NOT NULL DEFAULT '',
						active_at_ms INTEGER NOT NULL DEFAULT 0,
						priority INTEGER NOT NULL DEFAULT 0,
						is_approved INTEGER NOT NULL DEFAULT 0,
						did_approve_me INTEGER NOT NULL DEFAULT 0,
						is_blocked INTEGER NOT NULL DEFAULT 0,
						expire_timer_sec INTEGER NOT NULL DEFAULT 0,
						expiration_mode INTEGER NOT NULL DEFAULT 0,
						created_at_ms INTEGER NOT NULL
					);

					CREATE TABLE _messages (
						id BLOB PRIMARY KEY,
						conversation_id TEXT NOT NULL,
						source TEXT NOT NULL,
						sent_at_ms INTEGER NOT NULL,
						received_at_ms INTEGER NOT NULL,
						message_hash TEXT NOT NULL DEFAULT '',
						server_id INTEGER NOT NULL DEFAULT 0,
						server_timestamp_ms INTEGER NOT NULL DEFAULT 0,
						direction INTEGER NOT NULL,
						kind INTEGER NOT NULL,
						body TEXT NOT NULL DEFAULT '',
						quote_id INTEGER NOT NULL DEFAULT 0,
						quote_author TEXT NOT NULL DEFAULT '',
						attachment_count INTEGER NOT NULL DEFAULT 0,
						expire_timer_sec INTEGER NOT NULL DEFAULT 0,
						expires_at_ms INTEGER NOT NULL DEFAULT 0,
						group_update_kind INTEGER NOT NULL DEFAULT 0,
						group_update_name TEXT NOT NULL DEFAULT '',
						group_update_members TEXT NOT NULL DEFAULT '',
						unread INTEGER NOT NULL DEFAULT 0,
						read_by_recipient INTEGER NOT NULL DEFAULT 0,
						is_deleted INTEGER NOT NULL DEFAULT 0,
						FOREIGN KEY(conversation_id) REFERENCES _conversations(id) ON DELETE CASCADE
					);
					CREATE INDEX messages_source_sent_at ON _messages (source, sent_at_ms);
					CREATE INDEX messages_conversation_id ON _messages (conversation_id, sent_at_ms);

					CREATE TABLE _reactions (
						message_id BLOB NOT NULL,
						author TEXT NOT NULL,
						emoji TEXT NOT NULL,
						reacted_at_ms INTEGER NOT NULL,
						PRIMARY KEY (message_id, author, emoji),
						FOREIGN KEY(message_id) REFERENCES _messages(id) ON DELETE CASCADE
					);

					CREATE TABLE _closed_group_key_pairs (
						seq INTEGER PRIMARY KEY AUTOINCREMENT,
						group_id TEXT NOT NULL,
						public_key BLOB NOT NULL,
						private_key BLOB NOT NULL,
						received_at_ms INTEGER NOT NULL
					);
					CREATE INDEX closed_group_key_pairs_group_id ON _closed_group_key_pairs (group_id);

					CREATE TABLE _recency_marks (
						domain TEXT PRIMARY KEY,
						timestamp_ms INTEGER NOT NULL
					);

					CREATE TABLE _deferred_envelopes (
						id TEXT PRIMARY KEY,
						group_id TEXT NOT NULL,
						envelope BLOB NOT NULL,
						message_hash TEXT NOT NULL,
						expires_at_ms INTEGER NOT NULL,
						received_at_ms INTEGER NOT NULL,
						attempts INTEGER NOT NULL DEFAULT 0
					);
					CREATE INDEX deferred_envelopes_group_id ON _deferred_envelopes (group_id);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, fmt.Errorf("store: error migrating: %w", err)
	}
	return s, nil
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return fmt.Errorf("store: error getting %s: %w", fmt.Sprintf(format, args...), err)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
