package hongbao

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hongbaobot/internal/ledger"
	"hongbaobot/internal/models"
)

func TestValidateBoundaries(t *testing.T) {
	cases := []struct {
		points, slots int
		rule          string
	}{
		{1, 5, RulePointsMin},
		{667, 10, RulePointsMax},
		{10, 1, RuleSlotsMin},
		{100, 67, RuleSlotsMax},
		{5, 6, RulePointsPerSlot},
		{10, 10, ""},
		{2, 2, ""},
		{666, 66, ""},
	}
	for _, tc := range cases {
		err := Validate(tc.points, tc.slots)
		if tc.rule == "" {
			assert.NoError(t, err, "%d/%d", tc.points, tc.slots)
			continue
		}
		var inv *InvalidParamsError
		require.ErrorAs(t, err, &inv, "%d/%d", tc.points, tc.slots)
		assert.Equal(t, tc.rule, inv.Rule)
		assert.NotEmpty(t, inv.Message)
	}
}

func TestCreateRejectsInvalidWithoutLedgerCall(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.pool.Create(context.Background(), CreateRequest{ChatID: 1, Points: 667, Slots: 10})
	var inv *InvalidParamsError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, 0, h.ledger.balanceCalls)
	assert.Equal(t, 0, h.pool.Len())
}

func TestCreateBalanceDenied(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.balanceOK = false
	h.ledger.balanceReason = ledger.ReasonInsufficient
	_, err := h.pool.Create(context.Background(), CreateRequest{ChatID: 1, Points: 10, Slots: 2})
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	h.ledger.balanceReason = ledger.ReasonTimeout
	_, err = h.pool.Create(context.Background(), CreateRequest{ChatID: 1, Points: 10, Slots: 2})
	assert.ErrorIs(t, err, ErrLedgerTimeout)

	assert.Equal(t, int64(0), h.store.serial, "no serial consumed")
	assert.Equal(t, 0, h.pool.Len())
}

func TestCreatePersistsAndRegisters(t *testing.T) {
	h := newHarness(t, nil)
	env := h.create(t, 30, 3)
	assert.Equal(t, models.StatusOngoing, env.Status)
	assert.Equal(t, models.MethodRandom, env.Method)
	assert.Equal(t, models.Counter{Total: 30, Remaining: 30}, env.Budget)

	stored, ok := h.store.envelope(env.Serial)
	require.True(t, ok)
	assert.Equal(t, env.Serial, stored.Serial)
	_, live := h.pool.Get(env.Serial)
	assert.True(t, live)
}

func TestEvenTenByTenAwardsOneEach(t *testing.T) {
	h := newHarness(t, nil)
	env := h.create(t, 10, 10)
	require.Equal(t, models.MethodEven, env.Method)
	for u := int64(100); u < 110; u++ {
		require.NoError(t, h.claim(env.Serial, u))
	}
	for i := 0; i < 10; i++ {
		h.step(t, env.Serial)
	}
	got, _ := h.pool.Get(env.Serial)
	require.Len(t, got.Claims, 10)
	for _, c := range got.Claims {
		assert.Equal(t, 1, c.Points)
	}
	assert.Equal(t, models.StatusFinished, got.Status)
}

func TestEvenTwentyByFourScenario(t *testing.T) {
	h := newHarness(t, nil)
	h.store.preload = []models.Envelope{{
		Serial:    77,
		ChatID:    -100,
		Status:    models.StatusOngoing,
		CreatedAt: h.clock(),
		Method:    models.MethodEven,
		Budget:    models.NewCounter(20),
		Slots:     models.NewCounter(4),
		Sender:    models.Sender{ID: 1},
	}}
	n, err := h.pool.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	for u := int64(2); u <= 5; u++ {
		require.NoError(t, h.claim(77, u))
	}
	for i := 0; i < 4; i++ {
		h.step(t, 77)
	}
	got, _ := h.pool.Get(77)
	require.Len(t, got.Claims, 4)
	for i, c := range got.Claims[:3] {
		assert.Equal(t, 5, c.Points, "claim %d", i)
	}
	assert.Equal(t, 5, got.Claims[3].Points)
	assert.Equal(t, 20, got.ApprovedPoints())
}

func TestRandomEnvelopeConservation(t *testing.T) {
	for seed := uint32(1); seed <= 20; seed++ {
		h := newHarness(t, NewXorShift32(seed))
		env := h.create(t, 100, 7)
		for u := int64(10); u < 20; u++ {
			require.NoError(t, h.claim(env.Serial, u))
		}
		for i := 0; i < 8; i++ {
			h.step(t, env.Serial)
		}
		got, _ := h.pool.Get(env.Serial)
		require.Equal(t, models.StatusFinished, got.Status)
		assert.Equal(t, 100, got.ApprovedPoints())
		assert.Len(t, got.Claims, 7)
		seen := map[int64]bool{}
		for _, c := range got.Claims {
			assert.GreaterOrEqual(t, c.Points, 1)
			assert.False(t, seen[c.ReceiverID], "double claim")
			assert.NotEqual(t, int64(1), c.ReceiverID, "self claim")
			seen[c.ReceiverID] = true
		}
		assert.True(t, got.Budget.Valid())
		assert.True(t, got.Slots.Valid())
		// three leftover clickers are told the envelope ran out
		assert.Len(t, h.display.noticesOf(NoticeExhausted), 3)
	}
}

func TestClaimRejections(t *testing.T) {
	h := newHarness(t, nil)
	env := h.create(t, 10, 2)

	assert.ErrorIs(t, h.claim(9999, 5), ErrEnvelopeNotFound)
	assert.ErrorIs(t, h.claim(env.Serial, 1), ErrSelfClaim)

	require.NoError(t, h.claim(env.Serial, 5))
	assert.ErrorIs(t, h.claim(env.Serial, 5), ErrDuplicateClaim, "queued twice")

	h.qualifier.blocked[6] = true
	assert.ErrorIs(t, h.claim(env.Serial, 6), ErrNotQualified)

	h.step(t, env.Serial)
	assert.ErrorIs(t, h.claim(env.Serial, 5), ErrDuplicateClaim, "already paid")

	require.NoError(t, h.claim(env.Serial, 7))
	h.step(t, env.Serial)
	h.step(t, env.Serial)
	assert.ErrorIs(t, h.claim(env.Serial, 8), ErrEnvelopeFinished)
}

func TestConcurrentClicksSettleOncePerUser(t *testing.T) {
	h := newHarness(t, nil)
	env := h.create(t, 10, 5)
	e := h.pool.lookup(env.Serial)
	require.NotNil(t, e)

	users := []int64{10, 11, 12}
	const clicks = 20
	var (
		mu       sync.Mutex
		accepted = map[int64]int{}
		rejected = map[int64]int{}
		other    []error
	)

	stop := make(chan struct{})
	stepped := make(chan struct{})
	go func() {
		defer close(stepped)
		for {
			select {
			case <-stop:
				return
			default:
			}
			h.pool.step(context.Background(), e)
		}
	}()

	var wg sync.WaitGroup
	for _, u := range users {
		for i := 0; i < clicks; i++ {
			wg.Add(1)
			go func(u int64) {
				defer wg.Done()
				err := h.claim(env.Serial, u)
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					accepted[u]++
				case errors.Is(err, ErrDuplicateClaim):
					rejected[u]++
				default:
					other = append(other, err)
				}
			}(u)
		}
	}
	wg.Wait()
	close(stop)
	<-stepped
	for e.queued() > 0 {
		h.pool.step(context.Background(), e)
	}

	assert.Empty(t, other)
	for _, u := range users {
		assert.Equal(t, 1, accepted[u], "user %d", u)
		assert.Equal(t, clicks-1, rejected[u], "user %d", u)
	}

	got, _ := h.pool.Get(env.Serial)
	perUser := map[int64]int{}
	for _, c := range got.Claims {
		require.True(t, c.Approved)
		perUser[c.ReceiverID]++
	}
	assert.Equal(t, map[int64]int{10: 1, 11: 1, 12: 1}, perUser)
	assert.Len(t, h.ledger.calls(), len(users))
	assert.Equal(t, models.Counter{Total: 5, Distributed: 3, Remaining: 2}, got.Slots)
	assert.Equal(t, 10, got.ApprovedPoints()+got.Budget.Remaining)

	e.qmu.Lock()
	assert.Empty(t, e.pending, "no click left pending")
	e.qmu.Unlock()
	assert.ErrorIs(t, h.claim(env.Serial, 10), ErrDuplicateClaim, "paid users stay rejected")
}

func TestSettleFailureRollsBack(t *testing.T) {
	h := newHarness(t, nil)
	env := h.create(t, 10, 3)
	h.ledger.setFail(5, ledger.ReasonTimeout)

	require.NoError(t, h.claim(env.Serial, 5))
	before, _ := h.pool.Get(env.Serial)
	h.step(t, env.Serial)
	after, _ := h.pool.Get(env.Serial)

	assert.Equal(t, before.Budget, after.Budget)
	assert.Equal(t, before.Slots, after.Slots)
	assert.Empty(t, after.Claims)
	failed := h.display.noticesOf(NoticeSettleFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, ledger.ReasonTimeout, failed[0].Reason)
	assert.Equal(t, "cb-5", failed[0].CallbackID)

	// the slot was never consumed, so clicking again is allowed
	h.ledger.setFail(5, "")
	require.NoError(t, h.claim(env.Serial, 5))
	h.step(t, env.Serial)
	got, _ := h.pool.Get(env.Serial)
	require.Len(t, got.Claims, 1)
	assert.Equal(t, int64(5), got.Claims[0].ReceiverID)
	assert.Equal(t, "tx-1", got.Claims[0].SettlementID)
	assert.Equal(t, int64(1500), got.Claims[0].ReactionMS)
}

func TestRecoveryAcceptsExactlyRemainingSlots(t *testing.T) {
	h := newHarness(t, nil)
	h.store.preload = []models.Envelope{{
		Serial:           42,
		ChatID:           -100,
		Status:           models.StatusOngoing,
		DisplayMessageID: 555,
		CreatedAt:        h.clock(),
		Method:           models.MethodRandom,
		Budget:           models.Counter{Total: 50, Distributed: 20, Remaining: 30},
		Slots:            models.Counter{Total: 5, Distributed: 2, Remaining: 3},
		Sender:           models.Sender{ID: 1},
		Claims: []models.ClaimOutcome{
			{ReceiverID: 2, Approved: true, Points: 12},
			{ReceiverID: 3, Approved: true, Points: 8},
		},
	}}
	n, err := h.pool.Recover(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = h.pool.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "already live")

	assert.ErrorIs(t, h.claim(42, 2), ErrDuplicateClaim, "history survives restart")
	for u := int64(10); u < 14; u++ {
		require.NoError(t, h.claim(42, u))
	}
	for i := 0; i < 4; i++ {
		h.step(t, 42)
	}
	got, _ := h.pool.Get(42)
	assert.Equal(t, models.StatusFinished, got.Status)
	assert.Len(t, got.Claims, 5)
	assert.Equal(t, 50, got.ApprovedPoints())
	assert.Len(t, h.ledger.calls(), 3)
	assert.Len(t, h.display.noticesOf(NoticeExhausted), 1)
}

func TestRandomPickAmongQueued(t *testing.T) {
	h := newHarness(t, &scriptedSource{pickLast: true})
	env := h.create(t, 10, 2)
	for u := int64(10); u < 15; u++ {
		require.NoError(t, h.claim(env.Serial, u))
	}
	h.step(t, env.Serial)
	got, _ := h.pool.Get(env.Serial)
	require.Len(t, got.Claims, 1)
	assert.Equal(t, int64(14), got.Claims[0].ReceiverID)
}

func TestGaussianDrawIsClampedToLeaveOnePerSlot(t *testing.T) {
	h := newHarness(t, &scriptedSource{normals: []float64{50, -50}})
	env := h.create(t, 20, 4)
	for u := int64(10); u < 14; u++ {
		require.NoError(t, h.claim(env.Serial, u))
	}
	for i := 0; i < 4; i++ {
		h.step(t, env.Serial)
	}
	got, _ := h.pool.Get(env.Serial)
	require.Len(t, got.Claims, 4)
	// huge draw takes all but one point per remaining slot, tiny draw gets the minimum
	assert.Equal(t, 17, got.Claims[0].Points)
	assert.Equal(t, 1, got.Claims[1].Points)
	assert.Equal(t, 20, got.ApprovedPoints())
}

func TestRenderLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	env := h.create(t, 4, 2)

	assert.False(t, h.step(t, env.Serial))
	waitFor(t, func() bool {
		stored, _ := h.store.envelope(env.Serial)
		return stored.DisplayMessageID != 0
	})
	shows, _ := h.display.counts()
	assert.Equal(t, 1, shows)

	require.NoError(t, h.claim(env.Serial, 10))
	require.NoError(t, h.claim(env.Serial, 11))
	h.step(t, env.Serial)
	_, refreshes := h.display.counts()
	assert.Equal(t, 0, refreshes, "refresh waits for the render window")

	done := h.step(t, env.Serial)
	assert.True(t, done, "final render enqueued on finish")
	shows, refreshes = h.display.counts()
	assert.Equal(t, 1, shows)
	assert.Equal(t, 1, refreshes)
	assert.Len(t, h.display.noticesOf(NoticeAwarded), 2)

	stored, _ := h.store.envelope(env.Serial)
	assert.Equal(t, models.StatusFinished, stored.Status)
	assert.Len(t, h.store.claims[env.Serial], 2)
}

func TestConfiscation(t *testing.T) {
	h := newHarness(t, nil)
	env := h.create(t, 50, 5)
	require.NoError(t, h.claim(env.Serial, 10))
	h.step(t, env.Serial)
	paid, _ := h.pool.Get(env.Serial)
	require.Len(t, paid.Claims, 1)

	assert.Equal(t, 0, h.pool.Sweep(context.Background()), "too young")
	h.advance(6*time.Hour + time.Minute)

	h.ledger.setFail(999, "lybot timeout")
	assert.Equal(t, 0, h.pool.Sweep(context.Background()), "failure retried later")
	h.ledger.setFail(999, "")
	assert.Equal(t, 1, h.pool.Sweep(context.Background()))

	calls := h.ledger.calls()
	last := calls[len(calls)-1]
	assert.Equal(t, int64(999), last.Receiver)
	assert.Equal(t, 50-paid.Claims[0].Points, last.Amount)

	h.step(t, env.Serial)
	got, _ := h.pool.Get(env.Serial)
	assert.Equal(t, models.StatusFinished, got.Status)
	assert.Equal(t, 0, got.Budget.Remaining)
	assert.Equal(t, 0, got.Slots.Remaining)
	assert.True(t, got.Budget.Valid())
	assert.Equal(t, 50, got.ApprovedPoints()+got.ConfiscatedPoints)
}

func TestShutdownFlushesAndRejects(t *testing.T) {
	h := newHarness(t, nil)
	env := h.create(t, 10, 2)
	h.store.mu.Lock()
	delete(h.store.envelopes, env.Serial)
	h.store.mu.Unlock()

	require.NoError(t, h.pool.Shutdown(context.Background()))
	_, ok := h.store.envelope(env.Serial)
	assert.True(t, ok)

	_, err := h.pool.Create(context.Background(), CreateRequest{Points: 10, Slots: 2})
	assert.True(t, errors.Is(err, ErrPoolClosed))
}
