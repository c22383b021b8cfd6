package hongbao

import (
	"context"

	"hongbaobot/internal/logger"
	"hongbaobot/internal/models"
)

// Sweep confiscates every envelope that has been ongoing for longer than
// ConfiscateAfter. Failed transfers are retried on the next sweep.
func (p *Pool) Sweep(ctx context.Context) int {
	if p.cfg.ConfiscationAccount == 0 {
		return 0
	}
	cutoff := p.now().Add(-p.cfg.ConfiscateAfter)
	p.mu.RLock()
	candidates := make([]*entry, 0, len(p.live))
	for _, e := range p.live {
		candidates = append(candidates, e)
	}
	p.mu.RUnlock()

	n := 0
	for _, e := range candidates {
		view := e.snapshot()
		if view.Status != models.StatusOngoing || !view.CreatedAt.Before(cutoff) {
			continue
		}
		if p.confiscate(ctx, e) {
			n++
		}
	}
	return n
}

func (p *Pool) confiscate(ctx context.Context, e *entry) bool {
	e.mu.Lock()
	env := &e.env
	if env.Status == models.StatusFinished || env.Slots.Remaining == 0 {
		e.mu.Unlock()
		return false
	}
	amount := env.Budget.Remaining
	ref := ""
	if amount > 0 {
		ok, r := p.ledger.Transfer(ctx, e.serial, e.senderID, p.cfg.ConfiscationAccount, amount)
		if !ok {
			e.mu.Unlock()
			logger.L().Warnw("confiscation failed, retrying next sweep", "serial", e.serial, "amount", amount, "reason", r)
			return false
		}
		ref = r
	}
	env.Budget.Distributed += amount
	env.Budget.Remaining = 0
	env.ConfiscatedPoints += amount
	env.Slots.Distributed += env.Slots.Remaining
	env.Slots.Remaining = 0
	env.Dirty = true
	e.confiscated = true
	e.publish()
	snap := env.Clone()
	e.mu.Unlock()

	p.persist(snap)
	logger.L().Infow("envelope confiscated", "serial", e.serial, "amount", amount, "settlement", ref, "queued", e.queued())
	return true
}
