package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"hongbaobot/internal/logger"
	"hongbaobot/internal/models"
	"hongbaobot/internal/store"
)

type adminLoginRequest struct {
	Password string `json:"password"`
	UserID   int64  `json:"user_id"`
}

func (s *Server) AdminLogin(c *gin.Context) {
	var req adminLoginRequest
	_ = c.ShouldBindJSON(&req)
	if req.Password == "" {
		req.Password = strings.TrimSpace(c.PostForm("password"))
	}
	if req.Password == "" {
		req.Password = strings.TrimSpace(c.Query("password"))
	}
	if req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password required"})
		return
	}
	if strings.TrimSpace(s.Cfg.AdminPassword) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "admin password not configured"})
		return
	}
	if s.Cfg.AdminPassword != req.Password {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid password"})
		return
	}
	// 只有配置里的管理员才能以自己的身份登录
	userID := int64(0)
	if req.UserID != 0 && s.Cfg.AdminIDs[req.UserID] {
		userID = req.UserID
	}
	token, err := s.SignAdminToken(userID)
	if err != nil {
		logger.L().Errorw("sign admin token failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// ListEnvelopes returns live envelopes from the pool, or the unfinished rows
// of the store with ?source=store.
func (s *Server) ListEnvelopes(c *gin.Context) {
	var chatID int64
	if raw := c.Query("chat_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat_id"})
			return
		}
		chatID = id
	}

	if c.Query("source") == "store" {
		items, err := s.Store.ListUnfinished(c.Request.Context(), chatID)
		if err != nil {
			logger.L().Errorw("list envelopes failed", "chat", chatID, "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"source": "store", "items": items})
		return
	}

	items := make([]models.Envelope, 0)
	for _, env := range s.Pool.List() {
		if chatID != 0 && env.ChatID != chatID {
			continue
		}
		items = append(items, env)
	}
	c.JSON(http.StatusOK, gin.H{"source": "live", "items": items})
}

func (s *Server) GetEnvelope(c *gin.Context) {
	serial, err := strconv.ParseInt(c.Param("serial"), 10, 64)
	if err != nil || serial <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid serial"})
		return
	}
	if env, ok := s.Pool.Get(serial); ok {
		c.JSON(http.StatusOK, gin.H{"live": true, "envelope": env})
		return
	}
	env, err := s.Store.LoadEnvelope(c.Request.Context(), serial)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		logger.L().Errorw("load envelope failed", "serial", serial, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"live": false, "envelope": env})
}

func (s *Server) GetStats(c *gin.Context) {
	window := 5
	if raw := c.Query("window"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 10 {
			window = n
		}
	}
	rate, err := s.claimRate(c.Request.Context(), window)
	if err != nil {
		logger.L().Warnw("read claim rate failed", "err", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "redis error"})
		return
	}
	live := s.Pool.List()
	remaining := 0
	for _, env := range live {
		remaining += env.Budget.Remaining
	}
	c.JSON(http.StatusOK, gin.H{
		"live_envelopes":   len(live),
		"remaining_points": remaining,
		"claims":           rate,
		"feed_clients":     s.Hub.Count(),
		"server_time":      s.now().UnixMilli(),
	})
}
