package store

import (
	"context"
	"database/sql"
	"errors"

	"hongbaobot/internal/models"
)

// groups

func (s *Store) AddGroup(ctx context.Context, chatID int64, topicID int) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO hongbao_groups (chat_id, topic_id, created_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE topic_id=VALUES(topic_id)`, chatID, topicID, s.now().UTC())
	return err
}

func (s *Store) RemoveGroup(ctx context.Context, chatID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hongbao_groups WHERE chat_id=?`, chatID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) Group(ctx context.Context, chatID int64) (models.Group, error) {
	var g models.Group
	err := s.db.QueryRowContext(ctx, `SELECT chat_id, topic_id, created_at FROM hongbao_groups WHERE chat_id=?`, chatID).
		Scan(&g.ChatID, &g.TopicID, &g.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Group{}, ErrNotFound
	}
	return g, err
}

func (s *Store) IsGroupEnabled(ctx context.Context, chatID int64) bool {
	_, err := s.Group(ctx, chatID)
	return err == nil
}

// users

func (s *Store) RegisterUser(ctx context.Context, userID int64, name string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO hongbao_users (user_id, display_name, registered, updated_at) VALUES (?, ?, 1, ?)
		ON DUPLICATE KEY UPDATE display_name=VALUES(display_name), registered=1, updated_at=VALUES(updated_at)`,
		userID, name, s.now().UTC())
	return err
}

func (s *Store) AddAdmin(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO hongbao_users (user_id, is_admin, updated_at) VALUES (?, 1, ?)
		ON DUPLICATE KEY UPDATE is_admin=1, updated_at=VALUES(updated_at)`, userID, s.now().UTC())
	return err
}

func (s *Store) SetStrictTopic(ctx context.Context, userID int64, strict bool) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO hongbao_users (user_id, strict_topic, updated_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE strict_topic=VALUES(strict_topic), updated_at=VALUES(updated_at)`,
		userID, boolInt(strict), s.now().UTC())
	return err
}

func (s *Store) SetUserCover(ctx context.Context, userID, coverID int64) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO hongbao_users (user_id, cover_id, updated_at) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE cover_id=VALUES(cover_id), updated_at=VALUES(updated_at)`,
		userID, coverID, s.now().UTC())
	return err
}

func (s *Store) IsRegistered(ctx context.Context, userID int64) bool {
	return s.userFlag(ctx, `SELECT registered FROM hongbao_users WHERE user_id=?`, userID, false)
}

func (s *Store) IsAdmin(ctx context.Context, userID int64) bool {
	return s.userFlag(ctx, `SELECT is_admin FROM hongbao_users WHERE user_id=?`, userID, false)
}

// IsStrictTopic defaults to true for users never seen before.
func (s *Store) IsStrictTopic(ctx context.Context, userID int64) bool {
	return s.userFlag(ctx, `SELECT strict_topic FROM hongbao_users WHERE user_id=?`, userID, true)
}

func (s *Store) userFlag(ctx context.Context, query string, userID int64, def bool) bool {
	var v int
	if err := s.db.QueryRowContext(ctx, query, userID).Scan(&v); err != nil {
		return def
	}
	return v != 0
}

// UserCover returns the cover the user picked with /sethbcover, if it still exists.
func (s *Store) UserCover(ctx context.Context, userID int64) (models.Cover, error) {
	var c models.Cover
	err := s.db.QueryRowContext(ctx, `SELECT c.id, c.file_id, c.created_by, c.created_at
		FROM hongbao_users u JOIN hongbao_covers c ON c.id=u.cover_id
		WHERE u.user_id=?`, userID).Scan(&c.ID, &c.FileID, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Cover{}, ErrNotFound
	}
	return c, err
}

// covers

func (s *Store) AddCover(ctx context.Context, fileID string, createdBy int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO hongbao_covers (file_id, created_by, created_at) VALUES (?, ?, ?)`,
		fileID, createdBy, s.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) RemoveCover(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hongbao_covers WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) Cover(ctx context.Context, id int64) (models.Cover, error) {
	var c models.Cover
	err := s.db.QueryRowContext(ctx, `SELECT id, file_id, created_by, created_at FROM hongbao_covers WHERE id=?`, id).
		Scan(&c.ID, &c.FileID, &c.CreatedBy, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Cover{}, ErrNotFound
	}
	return c, err
}

func (s *Store) ListCovers(ctx context.Context) ([]models.Cover, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, file_id, created_by, created_at FROM hongbao_covers ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Cover
	for rows.Next() {
		var c models.Cover
		if err := rows.Scan(&c.ID, &c.FileID, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// captions

func (s *Store) AddCaption(ctx context.Context, text string, createdBy int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO hongbao_captions (text, created_by, created_at) VALUES (?, ?, ?)`,
		text, createdBy, s.now().UTC())
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) RemoveCaption(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM hongbao_captions WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *Store) ListCaptions(ctx context.Context) ([]models.Caption, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, text, created_by, created_at FROM hongbao_captions ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Caption
	for rows.Next() {
		var c models.Caption
		if err := rows.Scan(&c.ID, &c.Text, &c.CreatedBy, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RandomCaption picks one caption template; an empty table yields "".
func (s *Store) RandomCaption(ctx context.Context) (string, error) {
	var text string
	err := s.db.QueryRowContext(ctx, `SELECT text FROM hongbao_captions ORDER BY RAND() LIMIT 1`).Scan(&text)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return text, err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
