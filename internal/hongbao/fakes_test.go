package hongbao

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"hongbaobot/internal/metrics"
	"hongbaobot/internal/models"
)

type fakeStore struct {
	mu        sync.Mutex
	serial    int64
	envelopes map[int64]models.Envelope
	claims    map[int64][]models.ClaimOutcome
	preload   []models.Envelope
	failSave  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{envelopes: map[int64]models.Envelope{}, claims: map[int64][]models.ClaimOutcome{}}
}

func (s *fakeStore) NextSerial(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.serial++
	return s.serial, nil
}

func (s *fakeStore) SaveEnvelope(_ context.Context, env models.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSave {
		return errors.New("db down")
	}
	s.envelopes[env.Serial] = env.Clone()
	return nil
}

func (s *fakeStore) SaveClaim(_ context.Context, serial int64, c models.ClaimOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[serial] = append(s.claims[serial], c)
	return nil
}

func (s *fakeStore) LoadUnfinished(context.Context) ([]models.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Envelope, 0, len(s.preload))
	for _, env := range s.preload {
		out = append(out, env.Clone())
	}
	return out, nil
}

func (s *fakeStore) envelope(serial int64) (models.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envelopes[serial]
	return env.Clone(), ok
}

type transferCall struct {
	Serial   int64
	Sender   int64
	Receiver int64
	Amount   int
}

type fakeLedger struct {
	mu            sync.Mutex
	balanceOK     bool
	balanceReason string
	balanceCalls  int
	failReceivers map[int64]string
	transfers     []transferCall
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{balanceOK: true, failReceivers: map[int64]string{}}
}

func (l *fakeLedger) CheckBalance(context.Context, int64, int) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balanceCalls++
	return l.balanceOK, l.balanceReason
}

func (l *fakeLedger) Transfer(_ context.Context, serial, sender, receiver int64, amount int) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if reason, ok := l.failReceivers[receiver]; ok {
		return false, reason
	}
	l.transfers = append(l.transfers, transferCall{serial, sender, receiver, amount})
	return true, fmt.Sprintf("tx-%d", len(l.transfers))
}

func (l *fakeLedger) setFail(receiver int64, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if reason == "" {
		delete(l.failReceivers, receiver)
		return
	}
	l.failReceivers[receiver] = reason
}

func (l *fakeLedger) calls() []transferCall {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]transferCall(nil), l.transfers...)
}

type fakeDisplay struct {
	mu        sync.Mutex
	nextID    int
	shows     []models.Envelope
	refreshes []models.Envelope
	notices   []Notice
}

func (d *fakeDisplay) Show(_ context.Context, env models.Envelope) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.shows = append(d.shows, env)
	return 1000 + d.nextID, nil
}

func (d *fakeDisplay) Refresh(_ context.Context, env models.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refreshes = append(d.refreshes, env)
}

func (d *fakeDisplay) Notify(_ context.Context, n Notice) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notices = append(d.notices, n)
}

func (d *fakeDisplay) noticesOf(kind NoticeKind) []Notice {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []Notice
	for _, n := range d.notices {
		if n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func (d *fakeDisplay) counts() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.shows), len(d.refreshes)
}

type fakeQualifier struct {
	mu      sync.Mutex
	blocked map[int64]bool
}

func (q *fakeQualifier) IsQualified(_ context.Context, _, userID int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.blocked[userID]
}

// scriptedSource returns the queued normals in order (then zero) and always
// picks the first queued claim unless pickLast is set.
type scriptedSource struct {
	mu       sync.Mutex
	normals  []float64
	pickLast bool
}

func (s *scriptedSource) Float64() float64 { return 0.5 }

func (s *scriptedSource) NormFloat64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.normals) == 0 {
		return 0
	}
	v := s.normals[0]
	s.normals = s.normals[1:]
	return v
}

func (s *scriptedSource) Intn(n int) int {
	if s.pickLast {
		return n - 1
	}
	return 0
}

type harness struct {
	pool      *Pool
	store     *fakeStore
	ledger    *fakeLedger
	display   *fakeDisplay
	qualifier *fakeQualifier
	now       time.Time
	nowMu     sync.Mutex
}

// newHarness builds a pool whose handlers never tick on their own; tests
// drive ticks with step.
func newHarness(t *testing.T, src Source) *harness {
	t.Helper()
	h := &harness{
		store:     newFakeStore(),
		ledger:    newFakeLedger(),
		display:   &fakeDisplay{},
		qualifier: &fakeQualifier{blocked: map[int64]bool{}},
		now:       time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	if src == nil {
		src = NewXorShift32(7)
	}
	h.pool = NewPool(Config{
		Tick:                time.Hour,
		RenderEvery:         5,
		ConfiscateAfter:     6 * time.Hour,
		SweepInterval:       time.Hour,
		ConfiscationAccount: 999,
	}, Deps{
		Store:     h.store,
		Ledger:    h.ledger,
		Display:   h.display,
		Qualifier: h.qualifier,
		Source:    src,
		Metrics:   metrics.Noop(),
		Now:       h.clock,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.pool.Shutdown(ctx)
	})
	return h
}

func (h *harness) clock() time.Time {
	h.nowMu.Lock()
	defer h.nowMu.Unlock()
	return h.now
}

func (h *harness) advance(d time.Duration) {
	h.nowMu.Lock()
	h.now = h.now.Add(d)
	h.nowMu.Unlock()
}

func (h *harness) create(t *testing.T, points, slots int) models.Envelope {
	t.Helper()
	env, err := h.pool.Create(context.Background(), CreateRequest{
		ChatID:           -100,
		RequestMessageID: 10,
		Sender:           models.Sender{ID: 1, DisplayName: "boss"},
		Points:           points,
		Slots:            slots,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return env
}

func (h *harness) claim(serial, user int64) error {
	return h.pool.Claim(context.Background(), models.ClaimAttempt{
		RequesterID:   user,
		RequesterName: fmt.Sprintf("user%d", user),
		Serial:        serial,
		ClickedAt:     h.clock().Add(1500 * time.Millisecond),
		CallbackID:    fmt.Sprintf("cb-%d", user),
	})
}

func (h *harness) step(t *testing.T, serial int64) bool {
	t.Helper()
	e := h.pool.lookup(serial)
	if e == nil {
		t.Fatalf("envelope %d not live", serial)
	}
	return h.pool.step(context.Background(), e)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
