package store

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"hongbaobot/internal/logger"
)

const qualifyKeyTTL = 48 * time.Hour

// Qualifier tracks which users spoke in a chat today. Redis holds one set per
// chat and day; MySQL is the fallback and backfills Redis on a hit.
type Qualifier struct {
	rdb  *redis.Client
	db   *sql.DB
	zone *time.Location
	now  func() time.Time

	// reset takes the write side so checks never see a half cleared day
	mu    sync.RWMutex
	touch sync.Map
}

func NewQualifier(rdb *redis.Client, db *sql.DB, utcOffsetHour int) *Qualifier {
	return &Qualifier{
		rdb:  rdb,
		db:   db,
		zone: time.FixedZone("qualify", utcOffsetHour*3600),
		now:  time.Now,
	}
}

// Day is the qualification day t falls in.
func (q *Qualifier) Day(t time.Time) string {
	return t.In(q.zone).Format("20060102")
}

// NextReset is the first day boundary strictly after t.
func (q *Qualifier) NextReset(t time.Time) time.Time {
	local := t.In(q.zone)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, q.zone)
	return midnight.AddDate(0, 0, 1)
}

func qualifyKey(day string, chatID int64) string {
	return "hb:qualify:" + day + ":" + strconv.FormatInt(chatID, 10)
}

// Mark records that userID spoke in chatID today. Repeated marks within the
// same day are absorbed in memory.
func (q *Qualifier) Mark(ctx context.Context, chatID, userID int64) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	day := q.Day(q.now())
	touchKey := strconv.FormatInt(chatID, 10) + ":" + strconv.FormatInt(userID, 10)
	if val, ok := q.touch.Load(touchKey); ok && val.(string) == day {
		return nil
	}
	if q.rdb != nil {
		key := qualifyKey(day, chatID)
		pipe := q.rdb.Pipeline()
		pipe.SAdd(ctx, key, userID)
		pipe.Expire(ctx, key, qualifyKeyTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			logger.L().Warnw("qualify redis mark failed", "chat", chatID, "user", userID, "err", err)
		}
	}
	if q.db != nil {
		if _, err := q.db.ExecContext(ctx, `INSERT IGNORE INTO daily_qualification (chat_id, user_id, day, created_at) VALUES (?, ?, ?, ?)`,
			chatID, userID, day, q.now().UTC()); err != nil {
			return err
		}
	}
	q.touch.Store(touchKey, day)
	return nil
}

func (q *Qualifier) IsQualified(ctx context.Context, chatID, userID int64) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	day := q.Day(q.now())
	if q.rdb == nil {
		return q.isQualifiedDB(ctx, chatID, userID, day)
	}
	key := qualifyKey(day, chatID)
	ok, _ := q.rdb.SIsMember(ctx, key, userID).Result()
	if ok {
		return true
	}
	// fallback: DB 校验并补写 Redis
	if q.isQualifiedDB(ctx, chatID, userID, day) {
		_ = q.rdb.SAdd(ctx, key, userID).Err()
		_ = q.rdb.Expire(ctx, key, qualifyKeyTTL).Err()
		return true
	}
	return false
}

func (q *Qualifier) isQualifiedDB(ctx context.Context, chatID, userID int64, day string) bool {
	if q.db == nil {
		return false
	}
	row := q.db.QueryRowContext(ctx, `SELECT 1 FROM daily_qualification WHERE chat_id=? AND user_id=? AND day=? LIMIT 1`, chatID, userID, day)
	var one int
	if err := row.Scan(&one); err != nil {
		return false
	}
	return true
}

// Reset drops every record older than today. It returns the number of MySQL
// rows removed.
func (q *Qualifier) Reset(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	today := q.Day(q.now())
	q.touch.Range(func(key, _ any) bool {
		q.touch.Delete(key)
		return true
	})
	if q.rdb != nil {
		todayPrefix := "hb:qualify:" + today + ":"
		var cursor uint64
		for {
			keys, next, err := q.rdb.Scan(ctx, cursor, "hb:qualify:*", 1000).Result()
			if err != nil {
				return 0, err
			}
			stale := keys[:0]
			for _, k := range keys {
				if !strings.HasPrefix(k, todayPrefix) {
					stale = append(stale, k)
				}
			}
			if len(stale) > 0 {
				_ = q.rdb.Del(ctx, stale...).Err()
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}
	if q.db == nil {
		return 0, nil
	}
	res, err := q.db.ExecContext(ctx, `DELETE FROM daily_qualification WHERE day < ?`, today)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
