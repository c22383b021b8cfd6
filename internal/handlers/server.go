package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"hongbaobot/internal/auth"
	"hongbaobot/internal/config"
	"hongbaobot/internal/models"
)

const adminSessionTTL = 8 * time.Hour

// LivePool is the read side of the in-memory envelope pool.
type LivePool interface {
	Get(serial int64) (models.Envelope, bool)
	List() []models.Envelope
}

// EnvelopeStore is the read side of the system of record.
type EnvelopeStore interface {
	LoadEnvelope(ctx context.Context, serial int64) (models.Envelope, error)
	ListUnfinished(ctx context.Context, chatID int64) ([]models.Envelope, error)
}

// Server is the admin HTTP surface. It also observes the pool so the live
// feed and the claim rate counters follow every envelope change.
type Server struct {
	Cfg       config.Config
	Redis     *redis.Client
	Pool      LivePool
	Store     EnvelopeStore
	Gatherer  prometheus.Gatherer
	JWTSecret []byte
	Hub       *Hub

	qpsCounters sync.Map // chat id -> *atomic.Int64
	claimSeen   sync.Map // serial -> approved claims already counted
	now         func() time.Time
}

func NewServer(cfg config.Config, rdb *redis.Client, pool LivePool, store EnvelopeStore, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		Cfg:       cfg,
		Redis:     rdb,
		Pool:      pool,
		Store:     store,
		Gatherer:  gatherer,
		JWTSecret: []byte(cfg.JWTSecret),
		Hub:       NewHub(),
		now:       time.Now,
	}
}

// Routes mounts every endpoint on r.
func (s *Server) Routes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) { c.String(200, "ok") })
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/ws", func(c *gin.Context) {
		s.HandleWS(c.Writer, c.Request)
	})

	api := r.Group("/api")
	{
		api.POST("/admin/login", s.AdminLogin)

		admin := api.Group("/admin", s.AdminRequired())
		admin.GET("/envelopes", s.ListEnvelopes)
		admin.GET("/envelopes/:serial", s.GetEnvelope)
		admin.GET("/stats", s.GetStats)
	}
}

func (s *Server) SignAdminToken(userID int64) (string, error) {
	sessionID := newSessionID()
	if err := s.saveSession(userID, sessionID, adminSessionTTL); err != nil {
		return "", err
	}
	return auth.GenerateToken(s.JWTSecret, userID, auth.RoleAdmin, sessionID, adminSessionTTL)
}

func (s *Server) saveSession(userID int64, sessionID string, ttl time.Duration) error {
	if s.Redis == nil {
		return nil
	}
	return s.Redis.Set(context.Background(), sessionKey(userID), sessionID, ttl).Err()
}

// validateSession only accepts the newest session of a user.
func (s *Server) validateSession(userID int64, sessionID string) error {
	if s.Redis == nil {
		return nil
	}
	val, err := s.Redis.Get(context.Background(), sessionKey(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return errInvalidSession
		}
		return err
	}
	if val != sessionID {
		return errInvalidSession
	}
	return nil
}
