package hongbao

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"hongbaobot/internal/ledger"
	"hongbaobot/internal/logger"
	"hongbaobot/internal/metrics"
	"hongbaobot/internal/models"
)

const persistTimeout = 5 * time.Second

type Store interface {
	NextSerial(ctx context.Context) (int64, error)
	SaveEnvelope(ctx context.Context, env models.Envelope) error
	SaveClaim(ctx context.Context, serial int64, claim models.ClaimOutcome) error
	LoadUnfinished(ctx context.Context) ([]models.Envelope, error)
}

type Ledger interface {
	CheckBalance(ctx context.Context, chatID int64, requestMessageID int) (bool, string)
	Transfer(ctx context.Context, serial, senderID, receiverID int64, amount int) (bool, string)
}

// Display renders envelopes into the chat and tells users what happened to
// their claims. Show posts the first message and returns its id; Refresh
// edits it in place.
type Display interface {
	Show(ctx context.Context, env models.Envelope) (int, error)
	Refresh(ctx context.Context, env models.Envelope)
	Notify(ctx context.Context, n Notice)
}

type Qualifier interface {
	IsQualified(ctx context.Context, chatID, userID int64) bool
}

type Observer interface {
	EnvelopeChanged(env models.Envelope)
}

type NoticeKind string

const (
	NoticeAwarded      NoticeKind = "awarded"
	NoticeSettleFailed NoticeKind = "settle_failed"
	NoticeExhausted    NoticeKind = "exhausted"
)

type Notice struct {
	Kind       NoticeKind
	Serial     int64
	ChatID     int64
	UserID     int64
	UserName   string
	CallbackID string
	Points     int
	Reason     string
}

type Config struct {
	Tick                time.Duration
	RenderEvery         int
	ConfiscateAfter     time.Duration
	SweepInterval       time.Duration
	ConfiscationAccount int64
}

type Deps struct {
	Store     Store
	Ledger    Ledger
	Display   Display
	Qualifier Qualifier
	Observer  Observer
	Source    Source
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type CreateRequest struct {
	ChatID           int64
	TopicID          int
	RequestMessageID int
	Sender           models.Sender
	Points           int
	Slots            int
	MessageText      string
	CoverFileID      string
	CaptionText      string
}

// Pool owns every live envelope and the goroutine driving each of them.
type Pool struct {
	cfg       Config
	store     Store
	ledger    Ledger
	display   Display
	qualifier Qualifier
	observer  Observer
	rng       Source
	metrics   *metrics.Metrics
	now       func() time.Time

	mu     sync.RWMutex
	live   map[int64]*entry
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(cfg Config, deps Deps) *Pool {
	if cfg.Tick <= 0 {
		cfg.Tick = 100 * time.Millisecond
	}
	if cfg.RenderEvery <= 0 {
		cfg.RenderEvery = 5
	}
	if cfg.ConfiscateAfter <= 0 {
		cfg.ConfiscateAfter = 6 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	src := deps.Source
	if src == nil {
		src = NewXorShift32(uint32(time.Now().UnixNano()))
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:       cfg,
		store:     deps.Store,
		ledger:    deps.Ledger,
		display:   deps.Display,
		qualifier: deps.Qualifier,
		observer:  deps.Observer,
		rng:       &lockedSource{src: src},
		metrics:   deps.Metrics,
		now:       deps.Now,
		live:      make(map[int64]*entry),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (p *Pool) Create(ctx context.Context, req CreateRequest) (models.Envelope, error) {
	if err := Validate(req.Points, req.Slots); err != nil {
		return models.Envelope{}, err
	}
	if p.isClosed() {
		return models.Envelope{}, ErrPoolClosed
	}
	if ok, reason := p.ledger.CheckBalance(ctx, req.ChatID, req.RequestMessageID); !ok {
		if reason == ledger.ReasonTimeout {
			return models.Envelope{}, fmt.Errorf("%w: %s", ErrLedgerTimeout, reason)
		}
		return models.Envelope{}, fmt.Errorf("%w: %s", ErrInsufficientBalance, reason)
	}
	serial, err := p.store.NextSerial(ctx)
	if err != nil {
		return models.Envelope{}, fmt.Errorf("next serial: %w", err)
	}

	env := models.Envelope{
		Serial:           serial,
		ChatID:           req.ChatID,
		TopicID:          req.TopicID,
		Status:           models.StatusOngoing,
		RequestMessageID: req.RequestMessageID,
		CreatedAt:        p.now(),
		Method:           MethodFor(req.Points, req.Slots),
		Budget:           models.NewCounter(req.Points),
		Slots:            models.NewCounter(req.Slots),
		Sender:           req.Sender,
		MessageText:      req.MessageText,
		CoverFlag:        req.CoverFileID != "",
		CoverFileID:      req.CoverFileID,
		CaptionText:      req.CaptionText,
		Dirty:            true,
	}
	if err := p.store.SaveEnvelope(ctx, env); err != nil {
		logger.L().Errorw("save new envelope failed", "serial", serial, "err", err)
	}
	if !p.register(newEntry(env)) {
		return models.Envelope{}, ErrPoolClosed
	}
	p.metrics.EnvelopesCreated.Inc()
	p.notifyObserver(env)
	logger.L().Infow("envelope created",
		"serial", serial,
		"chat", req.ChatID,
		"sender", req.Sender.ID,
		"points", req.Points,
		"slots", req.Slots,
		"method", env.Method,
	)
	return env.Clone(), nil
}

// Recover reloads unfinished envelopes and restarts their handlers. Envelopes
// already live are left alone, so calling it twice is harmless.
func (p *Pool) Recover(ctx context.Context) (int, error) {
	envs, err := p.store.LoadUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("load unfinished: %w", err)
	}
	n := 0
	for _, env := range envs {
		if env.Status == models.StatusFinished {
			continue
		}
		if _, ok := p.Get(env.Serial); ok {
			continue
		}
		env.Status = models.StatusOngoing
		env.Dirty = true
		if !p.register(newEntry(env)) {
			return n, ErrPoolClosed
		}
		n++
		logger.L().Infow("envelope recovered",
			"serial", env.Serial,
			"slots_remaining", env.Slots.Remaining,
			"points_remaining", env.Budget.Remaining,
		)
	}
	return n, nil
}

func (p *Pool) register(e *entry) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.live[e.serial] = e
	p.metrics.EnvelopesLive.Set(float64(len(p.live)))
	ctx, cancel := context.WithCancel(p.ctx)
	e.cancel = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer cancel()
		p.runHandler(ctx, e)
	}()
	return true
}

func (p *Pool) reap(serial int64) {
	p.mu.Lock()
	delete(p.live, serial)
	p.metrics.EnvelopesLive.Set(float64(len(p.live)))
	p.mu.Unlock()
}

func (p *Pool) lookup(serial int64) *entry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.live[serial]
}

func (p *Pool) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Pool) Get(serial int64) (models.Envelope, bool) {
	e := p.lookup(serial)
	if e == nil {
		return models.Envelope{}, false
	}
	return e.snapshot(), true
}

func (p *Pool) List() []models.Envelope {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.live))
	for _, e := range p.live {
		entries = append(entries, e)
	}
	p.mu.RUnlock()
	out := make([]models.Envelope, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.live)
}

// Run drives the confiscation sweep until ctx ends.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Shutdown stops every handler and writes the last state of live envelopes.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	for _, env := range p.List() {
		if err := p.store.SaveEnvelope(ctx, env); err != nil {
			logger.L().Errorw("flush envelope failed", "serial", env.Serial, "err", err)
		}
	}
	return nil
}

// persist writes outside any handler context so a cancelled handler still
// gets its last state stored.
func (p *Pool) persist(env models.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := p.store.SaveEnvelope(ctx, env); err != nil {
		logger.L().Errorw("save envelope failed", "serial", env.Serial, "err", err)
	}
}

func (p *Pool) notifyObserver(env models.Envelope) {
	if p.observer != nil {
		p.observer.EnvelopeChanged(env.Clone())
	}
}
