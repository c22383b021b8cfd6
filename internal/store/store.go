package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// Store is the MySQL system of record for envelopes and the chat registries.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

func (s *Store) DB() *sql.DB {
	return s.db
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS hongbao_serial (
		id TINYINT PRIMARY KEY,
		value BIGINT NOT NULL
	)`,
	`INSERT IGNORE INTO hongbao_serial (id, value) VALUES (1, 0)`,
	`CREATE TABLE IF NOT EXISTS hongbao_pool (
		serial BIGINT PRIMARY KEY,
		chat_id BIGINT NOT NULL,
		topic_id INT NOT NULL DEFAULT 0,
		status VARCHAR(16) NOT NULL,
		display_message_id INT NOT NULL DEFAULT 0,
		request_message_id INT NOT NULL DEFAULT 0,
		created_at DATETIME(3) NOT NULL,
		method VARCHAR(16) NOT NULL,
		points_total INT NOT NULL,
		points_distributed INT NOT NULL,
		points_remaining INT NOT NULL,
		slots_total INT NOT NULL,
		slots_distributed INT NOT NULL,
		slots_remaining INT NOT NULL,
		sender_id BIGINT NOT NULL,
		sender_name VARCHAR(128) NOT NULL DEFAULT '',
		claims JSON NOT NULL,
		message_text VARCHAR(512) NOT NULL DEFAULT '',
		cover_file_id VARCHAR(256) NOT NULL DEFAULT '',
		caption_text VARCHAR(512) NOT NULL DEFAULT '',
		confiscated_points INT NOT NULL DEFAULT 0,
		updated_at DATETIME(3) NOT NULL,
		KEY idx_status (status),
		KEY idx_chat (chat_id)
	) DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS hongbao_claims (
		serial BIGINT NOT NULL,
		receiver_id BIGINT NOT NULL,
		receiver_name VARCHAR(128) NOT NULL DEFAULT '',
		points INT NOT NULL,
		reaction_ms BIGINT NOT NULL DEFAULT 0,
		settlement_id VARCHAR(128) NOT NULL DEFAULT '',
		created_at DATETIME(3) NOT NULL,
		PRIMARY KEY (serial, receiver_id),
		KEY idx_receiver (receiver_id)
	) DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS hongbao_groups (
		chat_id BIGINT PRIMARY KEY,
		topic_id INT NOT NULL DEFAULT 0,
		created_at DATETIME(3) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hongbao_users (
		user_id BIGINT PRIMARY KEY,
		display_name VARCHAR(128) NOT NULL DEFAULT '',
		registered TINYINT NOT NULL DEFAULT 0,
		is_admin TINYINT NOT NULL DEFAULT 0,
		strict_topic TINYINT NOT NULL DEFAULT 1,
		cover_id BIGINT NOT NULL DEFAULT 0,
		updated_at DATETIME(3) NOT NULL
	) DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS hongbao_covers (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		file_id VARCHAR(256) NOT NULL,
		created_by BIGINT NOT NULL,
		created_at DATETIME(3) NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS hongbao_captions (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		text VARCHAR(512) NOT NULL,
		created_by BIGINT NOT NULL,
		created_at DATETIME(3) NOT NULL
	) DEFAULT CHARSET=utf8mb4`,
	`CREATE TABLE IF NOT EXISTS daily_qualification (
		chat_id BIGINT NOT NULL,
		user_id BIGINT NOT NULL,
		day CHAR(8) NOT NULL,
		created_at DATETIME(3) NOT NULL,
		PRIMARY KEY (chat_id, user_id, day),
		KEY idx_day (day)
	)`,
}

// Migrate creates missing tables. Existing tables are left untouched.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
