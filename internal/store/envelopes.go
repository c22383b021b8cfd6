package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"hongbaobot/internal/models"
)

// NextSerial bumps the global envelope counter. LAST_INSERT_ID(expr) makes
// the new value visible to this connection only, so concurrent callers never
// see the same serial.
func (s *Store) NextSerial(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE hongbao_serial SET value=LAST_INSERT_ID(value+1) WHERE id=1`)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("serial counter not initialised")
	}
	return id, nil
}

// SaveEnvelope upserts the full snapshot of env.
func (s *Store) SaveEnvelope(ctx context.Context, env models.Envelope) error {
	claims := env.Claims
	if claims == nil {
		claims = []models.ClaimOutcome{}
	}
	raw, err := json.Marshal(claims)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO hongbao_pool
		(serial, chat_id, topic_id, status, display_message_id, request_message_id, created_at, method,
		points_total, points_distributed, points_remaining, slots_total, slots_distributed, slots_remaining,
		sender_id, sender_name, claims, message_text, cover_file_id, caption_text, confiscated_points, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE status=VALUES(status), display_message_id=VALUES(display_message_id),
		points_distributed=VALUES(points_distributed), points_remaining=VALUES(points_remaining),
		slots_distributed=VALUES(slots_distributed), slots_remaining=VALUES(slots_remaining),
		claims=VALUES(claims), confiscated_points=VALUES(confiscated_points), updated_at=VALUES(updated_at)`,
		env.Serial, env.ChatID, env.TopicID, string(env.Status), env.DisplayMessageID, env.RequestMessageID,
		env.CreatedAt.UTC(), string(env.Method),
		env.Budget.Total, env.Budget.Distributed, env.Budget.Remaining,
		env.Slots.Total, env.Slots.Distributed, env.Slots.Remaining,
		env.Sender.ID, env.Sender.DisplayName, string(raw), env.MessageText, env.CoverFileID, env.CaptionText,
		env.ConfiscatedPoints, s.now().UTC(),
	)
	return err
}

// SaveClaim appends one settled claim to the history table. Replays of the
// same receiver are ignored.
func (s *Store) SaveClaim(ctx context.Context, serial int64, c models.ClaimOutcome) error {
	_, err := s.db.ExecContext(ctx, `INSERT IGNORE INTO hongbao_claims
		(serial, receiver_id, receiver_name, points, reaction_ms, settlement_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		serial, c.ReceiverID, c.ReceiverName, c.Points, c.ReactionMS, c.SettlementID, s.now().UTC())
	return err
}

const envelopeColumns = `serial, chat_id, topic_id, status, display_message_id, request_message_id, created_at, method,
	points_total, points_distributed, points_remaining, slots_total, slots_distributed, slots_remaining,
	sender_id, sender_name, claims, message_text, cover_file_id, caption_text, confiscated_points`

type scanner interface {
	Scan(dest ...any) error
}

func scanEnvelope(row scanner) (models.Envelope, error) {
	var (
		env    models.Envelope
		status string
		method string
		claims []byte
	)
	err := row.Scan(&env.Serial, &env.ChatID, &env.TopicID, &status, &env.DisplayMessageID, &env.RequestMessageID,
		&env.CreatedAt, &method,
		&env.Budget.Total, &env.Budget.Distributed, &env.Budget.Remaining,
		&env.Slots.Total, &env.Slots.Distributed, &env.Slots.Remaining,
		&env.Sender.ID, &env.Sender.DisplayName, &claims, &env.MessageText, &env.CoverFileID, &env.CaptionText,
		&env.ConfiscatedPoints)
	if err != nil {
		return models.Envelope{}, err
	}
	env.Status = models.Status(status)
	env.Method = models.AllocationMethod(method)
	env.CoverFlag = env.CoverFileID != ""
	if len(claims) > 0 {
		if err := json.Unmarshal(claims, &env.Claims); err != nil {
			return models.Envelope{}, fmt.Errorf("envelope %d claims: %w", env.Serial, err)
		}
	}
	return env, nil
}

func (s *Store) LoadEnvelope(ctx context.Context, serial int64) (models.Envelope, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+envelopeColumns+` FROM hongbao_pool WHERE serial=?`, serial)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Envelope{}, ErrNotFound
	}
	return env, err
}

// LoadUnfinished returns every envelope still in create or ongoing state.
func (s *Store) LoadUnfinished(ctx context.Context) ([]models.Envelope, error) {
	return s.ListUnfinished(ctx, 0)
}

// ListUnfinished is LoadUnfinished narrowed to one chat; chatID 0 means all.
func (s *Store) ListUnfinished(ctx context.Context, chatID int64) ([]models.Envelope, error) {
	query := `SELECT ` + envelopeColumns + ` FROM hongbao_pool WHERE status <> ?`
	args := []any{string(models.StatusFinished)}
	if chatID != 0 {
		query += ` AND chat_id=?`
		args = append(args, chatID)
	}
	query += ` ORDER BY serial ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// ClaimsByReceiver returns a user's most recent settled claims.
func (s *Store) ClaimsByReceiver(ctx context.Context, receiverID int64, limit int) ([]models.ClaimOutcome, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT receiver_id, receiver_name, points, reaction_ms, settlement_id
		FROM hongbao_claims WHERE receiver_id=? ORDER BY created_at DESC LIMIT ?`, receiverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.ClaimOutcome
	for rows.Next() {
		c := models.ClaimOutcome{Approved: true}
		if err := rows.Scan(&c.ReceiverID, &c.ReceiverName, &c.Points, &c.ReactionMS, &c.SettlementID); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
