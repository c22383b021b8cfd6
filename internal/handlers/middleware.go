package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"hongbaobot/internal/auth"
)

func (s *Server) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		// 固定管理员Token（运维脚本用）
		adminToken := c.GetHeader("X-Admin-Token")
		if adminToken != "" && s.Cfg.AdminToken != "" && adminToken == s.Cfg.AdminToken {
			c.Set("admin", true)
			c.Next()
			return
		}

		token := getBearerToken(c.Request)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing admin token"})
			return
		}
		claims, err := auth.ParseAdminToken(s.JWTSecret, token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin required"})
			return
		}
		if err := s.validateSession(claims.UserID, claims.SessionID); err != nil {
			status := http.StatusUnauthorized
			if err != errInvalidSession {
				status = http.StatusServiceUnavailable
			}
			c.AbortWithStatusJSON(status, gin.H{"error": "session invalid"})
			return
		}
		c.Set("uid", claims.UserID)
		c.Set("sid", claims.SessionID)
		c.Set("admin", true)
		c.Next()
	}
}
