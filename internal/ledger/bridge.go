package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hongbaobot/internal/logger"
	"hongbaobot/internal/metrics"
)

const (
	ReasonTimeout      = "lybot timeout"
	ReasonInsufficient = "insufficient pt"
	ReasonUnreachable  = "lybot unreachable"
	ReasonDenied       = "transfer denied"
)

// Sender posts a request text into the chat the ledger bot listens on.
type Sender interface {
	SendLedgerRequest(ctx context.Context, chatID int64, text string) error
}

type pending struct {
	code      string
	createdAt time.Time
	match     func(text string) bool
	reply     chan string
}

// Bridge talks to the external ledger bot. Only one conversation is in flight
// at a time since replies are matched on message content.
type Bridge struct {
	convMu sync.Mutex

	mu      sync.Mutex
	waiters map[string]*pending

	sender  Sender
	chatID  int64
	timeout time.Duration
	metrics *metrics.Metrics
	newCode func() string
}

func NewBridge(sender Sender, chatID int64, timeout time.Duration, m *metrics.Metrics) *Bridge {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if m == nil {
		m = metrics.Noop()
	}
	return &Bridge{
		waiters: make(map[string]*pending),
		sender:  sender,
		chatID:  chatID,
		timeout: timeout,
		metrics: m,
		newCode: newCorrelationCode,
	}
}

func newCorrelationCode() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// CheckBalance asks whether the creator of the message behind chatID/messageID
// can afford the envelope they requested.
func (b *Bridge) CheckBalance(ctx context.Context, chatID int64, requestMessageID int) (bool, string) {
	chatinfo := fmt.Sprintf("%d_%d", chatID, requestMessageID)
	payload, _ := json.Marshal(map[string]string{"chatinfo": chatinfo})

	reply, reason := b.converse(ctx, "balance", string(payload), func(text string) bool {
		if !strings.Contains(text, chatinfo) {
			return false
		}
		// -1001_55 也是 -1001_550 的子串，按字段精确比较
		return stringify(parseReply(text)["chatinfo"]) == chatinfo
	})
	if reason != "" {
		return false, reason
	}
	fields := parseReply(reply)
	if !truthy(fields["ok"]) {
		b.metrics.LedgerRequests.WithLabelValues("balance", "denied").Inc()
		return false, ReasonInsufficient
	}
	b.metrics.LedgerRequests.WithLabelValues("balance", "ok").Inc()
	return true, ""
}

// Transfer moves amount points from senderID to receiverID. On success the
// second value is the ledger transaction id, otherwise the failure status.
func (b *Bridge) Transfer(ctx context.Context, serial, senderID, receiverID int64, amount int) (bool, string) {
	receiver := strconv.FormatInt(receiverID, 10)
	keyword := fmt.Sprintf("%d%d%d", serial, receiverID, amount)

	var code string
	reply, reason := b.converseWith(ctx, "transfer", func(c string) string {
		code = c
		payload, _ := json.Marshal(map[string]any{
			"receiver_id":  receiverID,
			"sender_id":    senderID,
			"receiver_fee": amount,
			"keyword":      keyword,
			"memo":         c,
		})
		return string(payload)
	}, func(text string) bool {
		return strings.Contains(text, receiver) &&
			strings.Contains(text, code) &&
			strings.Contains(text, keyword)
	})
	if reason != "" {
		return false, reason
	}
	fields := parseReply(reply)
	if !truthy(fields["ok"]) {
		b.metrics.LedgerRequests.WithLabelValues("transfer", "denied").Inc()
		status := stringify(fields["status"])
		if status == "" {
			status = ReasonDenied
		}
		return false, status
	}
	b.metrics.LedgerRequests.WithLabelValues("transfer", "ok").Inc()
	return true, stringify(fields["transaction_id"])
}

func (b *Bridge) converse(ctx context.Context, op, payload string, match func(string) bool) (string, string) {
	return b.converseWith(ctx, op, func(string) string { return payload }, match)
}

// converseWith holds the conversation lock, registers a waiter under a fresh
// correlation code, sends the request built from that code and blocks for the
// matching reply or the timeout.
func (b *Bridge) converseWith(ctx context.Context, op string, build func(code string) string, match func(string) bool) (string, string) {
	b.convMu.Lock()
	defer b.convMu.Unlock()

	started := time.Now()
	code := b.newCode()
	text := build(code)
	p := &pending{
		code:      code,
		createdAt: started,
		match:     match,
		reply:     make(chan string, 1),
	}
	b.mu.Lock()
	b.waiters[code] = p
	b.mu.Unlock()
	defer b.forget(code)

	if err := b.sender.SendLedgerRequest(ctx, b.chatID, text); err != nil {
		logger.L().Warnw("ledger request send failed", "op", op, "code", code, "err", err)
		b.metrics.LedgerRequests.WithLabelValues(op, "unreachable").Inc()
		return "", ReasonUnreachable
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()
	select {
	case reply := <-p.reply:
		b.metrics.LedgerLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
		return reply, ""
	case <-timer.C:
	case <-ctx.Done():
	}
	logger.L().Warnw("ledger reply timeout", "op", op, "code", code, "waited", time.Since(started))
	b.metrics.LedgerRequests.WithLabelValues(op, "timeout").Inc()
	return "", ReasonTimeout
}

func (b *Bridge) forget(code string) {
	b.mu.Lock()
	delete(b.waiters, code)
	b.mu.Unlock()
}

// Deliver hands an inbound ledger bot message to the waiting conversation, if
// any matches. It reports whether the text was consumed.
func (b *Bridge) Deliver(text string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for code, p := range b.waiters {
		if !p.match(text) {
			continue
		}
		select {
		case p.reply <- text:
		default:
		}
		delete(b.waiters, code)
		return true
	}
	return false
}

func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// parseReply reads the JSON object embedded in a ledger reply. Replies may carry
// surrounding text, so the object is cut from the first '{' to the last '}'.
func parseReply(text string) map[string]any {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return map[string]any{}
	}
	return out
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case float64:
		return val == 1
	case string:
		s := strings.ToLower(strings.TrimSpace(val))
		return s == "1" || s == "true" || s == "ok"
	default:
		return false
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}
