package telegram

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"
	"time"

	botModels "github.com/go-telegram/bot/models"

	"hongbaobot/internal/dispatch"
	"hongbaobot/internal/hongbao"
	"hongbaobot/internal/logger"
	"hongbaobot/internal/models"
)

const claimCallbackPrefix = "claimHB_"

// 展示时间统一用北京时间
var displayZone = time.FixedZone("UTC+8", 8*3600)

func claimKeyboard(serial int64) *botModels.InlineKeyboardMarkup {
	return &botModels.InlineKeyboardMarkup{
		InlineKeyboard: [][]botModels.InlineKeyboardButton{{
			{Text: "🧧 抢红包", CallbackData: claimCallbackPrefix + strconv.FormatInt(serial, 10)},
		}},
	}
}

// emptyKeyboard strips the claim button from a finished envelope.
func emptyKeyboard() *botModels.InlineKeyboardMarkup {
	return &botModels.InlineKeyboardMarkup{InlineKeyboard: [][]botModels.InlineKeyboardButton{}}
}

func keyboardFor(env models.Envelope) *botModels.InlineKeyboardMarkup {
	if env.Status == models.StatusFinished {
		return emptyKeyboard()
	}
	return claimKeyboard(env.Serial)
}

func methodLabel(m models.AllocationMethod) string {
	if m == models.MethodEven {
		return "平均分配"
	}
	return "拼手气"
}

// RenderEnvelope builds the HTML body (or photo caption) of an envelope message.
func RenderEnvelope(env models.Envelope) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "🧧 <b>%s</b> 发了一个红包 #%d\n", html.EscapeString(senderName(env.Sender)), env.Serial)
	if env.MessageText != "" {
		fmt.Fprintf(&sb, "💬 %s\n", html.EscapeString(env.MessageText))
	}
	if env.CaptionText != "" {
		fmt.Fprintf(&sb, "<i>%s</i>\n", html.EscapeString(env.CaptionText))
	}
	fmt.Fprintf(&sb, "\n总额 %d 分 · %d 个 · %s\n", env.Budget.Total, env.Slots.Total, methodLabel(env.Method))
	fmt.Fprintf(&sb, "已领取 %d/%d · 剩余 %d 分\n", approvedCount(env), env.Slots.Total, env.Budget.Remaining)
	if len(env.Claims) > 0 {
		sb.WriteString("\n")
		best := luckiest(env)
		for i, c := range env.Claims {
			if !c.Approved {
				continue
			}
			mark := ""
			if env.Status == models.StatusFinished && env.Method == models.MethodRandom && i == best {
				mark = " 👑"
			}
			fmt.Fprintf(&sb, "%d. %s  <b>%d</b> 分  %.2fs%s\n", i+1, html.EscapeString(c.ReceiverName), c.Points, float64(c.ReactionMS)/1000, mark)
		}
	}
	sb.WriteString("\n")
	switch {
	case env.Status != models.StatusFinished:
		fmt.Fprintf(&sb, "发出时间 %s", env.CreatedAt.In(displayZone).Format("2006-01-02 15:04:05"))
	case env.ConfiscatedPoints > 0:
		fmt.Fprintf(&sb, "⏰ 红包已过期，%d 分已收回", env.ConfiscatedPoints)
	default:
		sb.WriteString("✅ 红包已被领完")
	}
	return sb.String()
}

func approvedCount(env models.Envelope) int {
	n := 0
	for _, c := range env.Claims {
		if c.Approved {
			n++
		}
	}
	return n
}

func luckiest(env models.Envelope) int {
	best, top := -1, 0
	for i, c := range env.Claims {
		if c.Approved && c.Points > top {
			best, top = i, c.Points
		}
	}
	return best
}

func senderName(s models.Sender) string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	return strconv.FormatInt(s.ID, 10)
}

// Display renders envelopes through the dispatcher.
type Display struct {
	out         Outbox
	registry    registrationChecker
	showTimeout time.Duration
}

type registrationChecker interface {
	IsRegistered(ctx context.Context, userID int64) bool
}

func NewDisplay(out Outbox, registry registrationChecker) *Display {
	return &Display{out: out, registry: registry, showTimeout: 30 * time.Second}
}

// Show posts the envelope and waits for its message id.
func (d *Display) Show(ctx context.Context, env models.Envelope) (int, error) {
	op := dispatch.Op{
		Kind:      dispatch.KindSendMessage,
		ChatID:    env.ChatID,
		TopicID:   env.TopicID,
		Text:      RenderEnvelope(env),
		ParseMode: botModels.ParseModeHTML,
		Keyboard:  keyboardFor(env),
	}
	if env.CoverFlag && env.CoverFileID != "" {
		op.Kind = dispatch.KindSendPhoto
		op.PhotoFileID = env.CoverFileID
	}
	wctx, cancel := context.WithTimeout(ctx, d.showTimeout)
	defer cancel()
	msg, err := d.out.Enqueue(dispatch.High, op).Wait(wctx)
	if err != nil {
		return 0, err
	}
	if msg == nil {
		return 0, fmt.Errorf("envelope %d: no message returned", env.Serial)
	}
	return msg.ID, nil
}

// Refresh edits the envelope message in place. Every edit of an envelope,
// the final one included, shares the low queue so they reach the chat in the
// order they were rendered.
func (d *Display) Refresh(_ context.Context, env models.Envelope) {
	if env.DisplayMessageID == 0 {
		return
	}
	op := dispatch.Op{
		Kind:      dispatch.KindEditText,
		ChatID:    env.ChatID,
		MessageID: env.DisplayMessageID,
		Text:      RenderEnvelope(env),
		ParseMode: botModels.ParseModeHTML,
		Keyboard:  keyboardFor(env),
	}
	if env.CoverFlag {
		op.Kind = dispatch.KindEditCaption
	}
	d.out.Enqueue(dispatch.Low, op)
}

func (d *Display) Notify(ctx context.Context, n hongbao.Notice) {
	var text string
	switch n.Kind {
	case hongbao.NoticeAwarded:
		text = fmt.Sprintf("🎉 恭喜抢到 %d 分！", n.Points)
	case hongbao.NoticeSettleFailed:
		text = "领取失败（" + n.Reason + "），请重新点击"
	case hongbao.NoticeExhausted:
		text = "手慢了，红包已被领完"
	default:
		return
	}
	if n.CallbackID != "" {
		d.out.Enqueue(dispatch.High, dispatch.Op{
			Kind:       dispatch.KindAnswerCallback,
			CallbackID: n.CallbackID,
			Text:       text,
			ShowAlert:  true,
		})
	}
	if n.Kind != hongbao.NoticeAwarded || d.registry == nil || !d.registry.IsRegistered(ctx, n.UserID) {
		return
	}
	d.out.Enqueue(dispatch.Low, dispatch.Op{
		Kind:   dispatch.KindSendMessage,
		ChatID: n.UserID,
		Text:   fmt.Sprintf("你在红包 #%d 中抢到 %d 分，已到账。", n.Serial, n.Points),
		Silent: true,
	})
	logger.L().Debugw("award notice sent", "serial", n.Serial, "user", n.UserID)
}

// LedgerSender posts ledger requests through the dispatcher and waits until
// the request is actually in the chat.
type LedgerSender struct {
	out Outbox
}

func NewLedgerSender(out Outbox) LedgerSender {
	return LedgerSender{out: out}
}

func (s LedgerSender) SendLedgerRequest(ctx context.Context, chatID int64, text string) error {
	_, err := s.out.Enqueue(dispatch.High, dispatch.Op{
		Kind:   dispatch.KindSendMessage,
		ChatID: chatID,
		Text:   text,
		Silent: true,
	}).Wait(ctx)
	return err
}
