package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"

	"hongbaobot/internal/auth"
	"hongbaobot/internal/logger"
	"hongbaobot/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// HandleWS streams envelope snapshots to an admin.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = getBearerToken(r)
	}
	claims, err := auth.ParseAdminToken(s.JWTSecret, token)
	if err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if err := s.validateSession(claims.UserID, claims.SessionID); err != nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	client := NewWSClient(claims.UserID, conn)
	defer func() {
		s.Hub.Unregister(client)
		_ = conn.Close()
		close(client.SendCh)
	}()

	// hello 先于注册写出，避免和 WritePump 并发写
	live := []models.Envelope{}
	if s.Pool != nil {
		live = s.Pool.List()
	}
	if err := conn.WriteMessage(websocket.TextMessage, mustJSON(WSMessage{
		Type: "hello",
		Data: map[string]interface{}{
			"server_time": s.now().UnixMilli(),
			"envelopes":   live,
		},
	})); err != nil {
		return
	}
	s.Hub.Register(client)
	go client.WritePump()
	logger.L().Debugw("live feed connected", "admin", claims.UserID)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var inbound struct {
			Type string `json:"type"`
			Ts   int64  `json:"ts"`
		}
		if err := json.Unmarshal(msg, &inbound); err != nil {
			continue
		}
		if inbound.Type == "ping" {
			client.Send(mustJSON(WSMessage{
				Type: "pong",
				Data: map[string]interface{}{
					"ts":          inbound.Ts,
					"server_time": s.now().UnixMilli(),
				},
			}))
		}
	}
}

// EnvelopeChanged pushes the snapshot to the live feed and counts newly
// approved claims for the rate counters.
func (s *Server) EnvelopeChanged(env models.Envelope) {
	approved := int64(0)
	for _, c := range env.Claims {
		if c.Approved {
			approved++
		}
	}
	prev := int64(0)
	if v, ok := s.claimSeen.Load(env.Serial); ok {
		prev = v.(int64)
	}
	if env.Status == models.StatusFinished {
		s.claimSeen.Delete(env.Serial)
	} else {
		s.claimSeen.Store(env.Serial, approved)
	}
	s.bumpClaims(env.ChatID, approved-prev)

	if s.Hub.Count() == 0 {
		return
	}
	s.Hub.Broadcast(mustJSON(WSMessage{Type: "envelope", Data: env}))
}

func mustJSON(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}
