package handlers

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"hongbaobot/internal/logger"
)

const qpsKeyTTL = 15 * time.Second

func (s *Server) bumpClaims(chatID int64, n int64) {
	if n <= 0 {
		return
	}
	val, _ := s.qpsCounters.LoadOrStore(chatID, &atomic.Int64{})
	val.(*atomic.Int64).Add(n)
}

// RunQPSFlusher moves the in-memory claim counters to Redis once a second.
func (s *Server) RunQPSFlusher(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flushQPS(context.Background())
			return
		case <-ticker.C:
			s.flushQPS(ctx)
		}
	}
}

func (s *Server) flushQPS(ctx context.Context) {
	if s.Redis == nil {
		return
	}
	key := claimRateKey(s.now().Unix())
	pipe := s.Redis.Pipeline()
	has := false
	s.qpsCounters.Range(func(k, v any) bool {
		chatID, ok := k.(int64)
		if !ok {
			return true
		}
		counter, ok := v.(*atomic.Int64)
		if !ok {
			return true
		}
		n := counter.Swap(0)
		if n <= 0 {
			return true
		}
		has = true
		pipe.HIncrBy(ctx, key, strconv.FormatInt(chatID, 10), n)
		return true
	})
	if !has {
		return
	}
	pipe.Expire(ctx, key, qpsKeyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.L().Warnw("flush claim counters failed", "err", err)
	}
}

type claimRate struct {
	// 上一整秒的领取数
	LastSecond int64           `json:"last_second"`
	AvgPerSec  float64         `json:"avg_per_sec"`
	Window     int             `json:"window_sec"`
	ByChat     map[int64]int64 `json:"by_chat"`
}

// claimRate reads the last window full seconds of counters from Redis.
func (s *Server) claimRate(ctx context.Context, window int) (claimRate, error) {
	out := claimRate{Window: window, ByChat: map[int64]int64{}}
	if s.Redis == nil || window <= 0 {
		return out, nil
	}
	now := s.now().Unix()
	var total int64
	for i := 1; i <= window; i++ {
		fields, err := s.Redis.HGetAll(ctx, claimRateKey(now-int64(i))).Result()
		if err != nil {
			return out, err
		}
		for field, raw := range fields {
			chatID, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				continue
			}
			n, _ := strconv.ParseInt(raw, 10, 64)
			total += n
			if i == 1 {
				out.LastSecond += n
				out.ByChat[chatID] += n
			}
		}
	}
	out.AvgPerSec = float64(total) / float64(window)
	return out, nil
}
