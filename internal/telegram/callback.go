package telegram

import (
	"context"
	"strconv"
	"strings"

	botModels "github.com/go-telegram/bot/models"

	"hongbaobot/internal/logger"
	"hongbaobot/internal/models"
)

// handleClaimCallback turns a claimHB_<serial> click into a claim attempt.
// Accepted attempts are answered later by the envelope handler; every
// rejection is answered right away.
func (b *Bot) handleClaimCallback(ctx context.Context, update *botModels.Update) {
	cq := update.CallbackQuery
	if cq.From.IsBot {
		return
	}
	if b.guard != nil {
		if v := b.guard.Check(cq.From.ID); !v.Allowed {
			if v.Warn {
				b.answer(cq.ID, "点击太频繁，请稍后再试", true)
			}
			return
		}
	}
	serial, err := strconv.ParseInt(strings.TrimPrefix(cq.Data, claimCallbackPrefix), 10, 64)
	if err != nil || serial <= 0 {
		b.answer(cq.ID, "红包已结束", true)
		return
	}
	err = b.envelopes.Claim(ctx, models.ClaimAttempt{
		RequesterID:   cq.From.ID,
		RequesterName: displayName(&cq.From),
		Serial:        serial,
		ClickedAt:     b.now(),
		CallbackID:    cq.ID,
	})
	if err != nil {
		logger.L().Debugw("claim rejected", "serial", serial, "user", cq.From.ID, "err", err)
		b.answer(cq.ID, userMessage(err), true)
	}
}
