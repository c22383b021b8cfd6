package hongbao

import (
	"context"
	"errors"

	"hongbaobot/internal/models"
)

// Claim validates a button click and queues it for the envelope's handler.
// Rejections never touch the envelope lock.
func (p *Pool) Claim(ctx context.Context, a models.ClaimAttempt) error {
	err := p.claim(ctx, a)
	p.metrics.Claims.WithLabelValues(claimLabel(err)).Inc()
	return err
}

func (p *Pool) claim(ctx context.Context, a models.ClaimAttempt) error {
	e := p.lookup(a.Serial)
	if e == nil {
		return ErrEnvelopeNotFound
	}
	if err := e.precheck(a.RequesterID); err != nil {
		return err
	}
	if p.qualifier != nil && !p.qualifier.IsQualified(ctx, e.chatID, a.RequesterID) {
		return ErrNotQualified
	}
	if a.ClickedAt.IsZero() {
		a.ClickedAt = p.now()
	}
	return e.enqueue(a)
}

func claimLabel(err error) string {
	switch {
	case err == nil:
		return "queued"
	case errors.Is(err, ErrEnvelopeNotFound):
		return "not_found"
	case errors.Is(err, ErrEnvelopeFinished):
		return "finished"
	case errors.Is(err, ErrDuplicateClaim):
		return "duplicate"
	case errors.Is(err, ErrSelfClaim):
		return "self"
	case errors.Is(err, ErrNotQualified):
		return "not_qualified"
	default:
		return "error"
	}
}
