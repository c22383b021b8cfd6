package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

func getBearerToken(r *http.Request) string {
	val := r.Header.Get("Authorization")
	if val == "" {
		return ""
	}
	token, ok := strings.CutPrefix(val, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

func sessionKey(userID int64) string {
	return "hb:admin:session:" + strconv.FormatInt(userID, 10)
}

// claimRateKey holds one second of approved claims, one hash field per chat.
func claimRateKey(sec int64) string {
	return "hb:claims:qps:" + strconv.FormatInt(sec, 10)
}

var errInvalidSession = errors.New("invalid session")

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
