package hongbao

import (
	"context"
	"time"

	"hongbaobot/internal/logger"
	"hongbaobot/internal/models"
)

// finishGraceTicks bounds how long a finished envelope waits for its final
// render before the handler gives up and reaps it anyway.
const finishGraceTicks = 100

func (p *Pool) runHandler(ctx context.Context, e *entry) {
	ticker := time.NewTicker(p.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if p.step(ctx, e) {
			p.reap(e.serial)
			logger.L().Debugw("envelope reaped", "serial", e.serial)
			return
		}
	}
}

// step runs one handler tick and reports whether the envelope is done.
func (p *Pool) step(ctx context.Context, e *entry) bool {
	if a, ok := e.pop(p.rng); ok {
		p.settleAttempt(ctx, e, a)
	}

	e.mu.Lock()
	justFinished := false
	var leftovers []models.ClaimAttempt
	if e.env.Status != models.StatusFinished && e.env.Slots.Remaining == 0 {
		e.env.Status = models.StatusFinished
		e.env.Dirty = true
		justFinished = true
		leftovers = e.close()
	}
	finished := e.env.Status == models.StatusFinished
	if finished {
		e.doneTicks++
	}
	e.sinceRender++
	render := e.env.Dirty && !e.showing &&
		(finished || e.env.DisplayMessageID == 0 || e.sinceRender >= p.cfg.RenderEvery)
	var snap models.Envelope
	first := false
	if render {
		e.env.Dirty = false
		e.sinceRender = 0
		first = e.env.DisplayMessageID == 0
		if first {
			e.showing = true
		}
		snap = e.env.Clone()
	}
	e.publish()
	finalSnap := e.env.Clone()
	confiscated := e.confiscated
	e.mu.Unlock()

	if justFinished {
		p.persist(finalSnap)
		reason := "claimed"
		if confiscated {
			reason = "confiscated"
		}
		p.metrics.EnvelopesFinished.WithLabelValues(reason).Inc()
		p.notifyObserver(finalSnap)
		for _, a := range leftovers {
			p.display.Notify(ctx, p.notice(NoticeExhausted, finalSnap, a, 0, ""))
		}
		logger.L().Infow("envelope finished",
			"serial", e.serial,
			"reason", reason,
			"claims", len(finalSnap.Claims),
			"distributed", finalSnap.Budget.Distributed,
		)
	}
	if render {
		p.render(ctx, e, snap, first)
	}

	e.mu.Lock()
	done := finished && (e.finalShown || e.doneTicks >= finishGraceTicks)
	if done && !e.finalShown {
		logger.L().Warnw("envelope reaped without final render", "serial", e.serial)
	}
	e.mu.Unlock()
	return done
}

func (p *Pool) render(ctx context.Context, e *entry, snap models.Envelope, first bool) {
	if !first {
		p.display.Refresh(ctx, snap)
		if snap.Status == models.StatusFinished {
			e.mu.Lock()
			e.finalShown = true
			e.mu.Unlock()
		}
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		id, err := p.display.Show(ctx, snap)
		e.mu.Lock()
		e.showing = false
		if err != nil || id == 0 {
			e.env.Dirty = true
			e.mu.Unlock()
			logger.L().Warnw("envelope show failed", "serial", e.serial, "err", err)
			return
		}
		e.env.DisplayMessageID = id
		if snap.Status == models.StatusFinished {
			e.finalShown = true
		}
		e.publish()
		shown := e.env.Clone()
		e.mu.Unlock()
		p.persist(shown)
	}()
}

// settleAttempt allocates one slot to a and settles it with the ledger while
// holding the envelope lock. A failed settlement rolls the reservation back.
func (p *Pool) settleAttempt(ctx context.Context, e *entry, a models.ClaimAttempt) {
	e.mu.Lock()
	env := &e.env
	if env.Status == models.StatusFinished || env.Slots.Remaining == 0 {
		snap := env.Clone()
		e.mu.Unlock()
		e.resolve(a.RequesterID, false)
		p.metrics.Claims.WithLabelValues("exhausted").Inc()
		p.display.Notify(ctx, p.notice(NoticeExhausted, snap, a, 0, ""))
		return
	}
	if env.HasReceiver(a.RequesterID) || a.RequesterID == env.Sender.ID {
		e.mu.Unlock()
		e.resolve(a.RequesterID, false)
		p.metrics.Claims.WithLabelValues("duplicate").Inc()
		return
	}

	award := nextAward(env.Method, env.Budget, env.Slots, p.rng)
	reserve(env, award)
	ok, ref := p.ledger.Transfer(ctx, e.serial, e.senderID, a.RequesterID, award)
	if !ok {
		rollback(env, award)
		e.publish()
		snap := env.Clone()
		e.mu.Unlock()
		e.resolve(a.RequesterID, false)
		p.metrics.Claims.WithLabelValues("settle_failed").Inc()
		logger.L().Warnw("claim settlement failed",
			"serial", e.serial,
			"receiver", a.RequesterID,
			"award", award,
			"reason", ref,
		)
		p.display.Notify(ctx, p.notice(NoticeSettleFailed, snap, a, award, ref))
		return
	}

	outcome := models.ClaimOutcome{
		ReceiverID:   a.RequesterID,
		ReceiverName: a.RequesterName,
		Approved:     true,
		ReactionMS:   reactionMS(env.CreatedAt, a.ClickedAt),
		Points:       award,
		SettlementID: ref,
	}
	env.Claims = append(env.Claims, outcome)
	env.Dirty = true
	e.publish()
	snap := env.Clone()
	e.mu.Unlock()
	e.resolve(a.RequesterID, true)

	p.metrics.Claims.WithLabelValues("approved").Inc()
	p.metrics.PointsDistributed.Add(float64(award))
	sctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	if err := p.store.SaveClaim(sctx, e.serial, outcome); err != nil {
		logger.L().Errorw("save claim failed", "serial", e.serial, "receiver", a.RequesterID, "err", err)
	}
	cancel()
	p.persist(snap)
	p.notifyObserver(snap)
	p.display.Notify(ctx, p.notice(NoticeAwarded, snap, a, award, ref))
}

func (p *Pool) notice(kind NoticeKind, env models.Envelope, a models.ClaimAttempt, points int, reason string) Notice {
	return Notice{
		Kind:       kind,
		Serial:     env.Serial,
		ChatID:     env.ChatID,
		UserID:     a.RequesterID,
		UserName:   a.RequesterName,
		CallbackID: a.CallbackID,
		Points:     points,
		Reason:     reason,
	}
}

func reactionMS(created, clicked time.Time) int64 {
	if clicked.IsZero() || clicked.Before(created) {
		return 0
	}
	return clicked.Sub(created).Milliseconds()
}
