package hongbao

import (
	"context"
	"sync"
	"sync/atomic"

	"hongbaobot/internal/models"
)

// entry is one live envelope.
//
// mu is the envelope lock: every change to budget, slots or claims happens
// under it, including the ledger round trip of a settlement. qmu only guards
// the claim queue and the receiver sets, and is never held across I/O, so
// the router can reject duplicates while a settlement is in flight.
type entry struct {
	serial   int64
	chatID   int64
	senderID int64

	mu          sync.Mutex
	env         models.Envelope
	showing     bool
	finalShown  bool
	confiscated bool
	sinceRender int
	doneTicks   int

	view atomic.Pointer[models.Envelope]

	qmu     sync.Mutex
	queue   []models.ClaimAttempt
	pending map[int64]bool
	claimed map[int64]bool
	closed  bool

	cancel context.CancelFunc
}

func newEntry(env models.Envelope) *entry {
	e := &entry{
		serial:   env.Serial,
		chatID:   env.ChatID,
		senderID: env.Sender.ID,
		env:      env.Clone(),
		pending:  make(map[int64]bool),
		claimed:  make(map[int64]bool),
	}
	for _, c := range env.Claims {
		if c.Approved {
			e.claimed[c.ReceiverID] = true
		}
	}
	e.publish()
	return e
}

// publish refreshes the lock free view. Callers hold mu (or own e exclusively).
func (e *entry) publish() {
	snap := e.env.Clone()
	e.view.Store(&snap)
}

func (e *entry) snapshot() models.Envelope {
	return e.view.Load().Clone()
}

func (e *entry) precheck(userID int64) error {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	return e.checkLocked(userID)
}

func (e *entry) checkLocked(userID int64) error {
	switch {
	case e.closed:
		return ErrEnvelopeFinished
	case userID == e.senderID:
		return ErrSelfClaim
	case e.claimed[userID], e.pending[userID]:
		return ErrDuplicateClaim
	}
	return nil
}

func (e *entry) enqueue(a models.ClaimAttempt) error {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if err := e.checkLocked(a.RequesterID); err != nil {
		return err
	}
	e.queue = append(e.queue, a)
	e.pending[a.RequesterID] = true
	return nil
}

// pop removes one queued attempt chosen at random. The requester stays
// pending until resolve is called.
func (e *entry) pop(src Source) (models.ClaimAttempt, bool) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	n := len(e.queue)
	if n == 0 {
		return models.ClaimAttempt{}, false
	}
	i := src.Intn(n)
	a := e.queue[i]
	e.queue[i] = e.queue[n-1]
	e.queue = e.queue[:n-1]
	return a, true
}

func (e *entry) resolve(userID int64, approved bool) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	delete(e.pending, userID)
	if approved {
		e.claimed[userID] = true
	}
}

// close stops accepting attempts and hands back whatever was still queued.
func (e *entry) close() []models.ClaimAttempt {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	e.closed = true
	left := e.queue
	e.queue = nil
	for _, a := range left {
		delete(e.pending, a.RequesterID)
	}
	return left
}

func (e *entry) queued() int {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	return len(e.queue)
}
