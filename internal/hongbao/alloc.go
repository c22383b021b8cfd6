package hongbao

import (
	"math"

	"hongbaobot/internal/models"
)

// MethodFor picks the allocation method of a new envelope.
func MethodFor(points, slots int) models.AllocationMethod {
	if points == slots {
		return models.MethodEven
	}
	return models.MethodRandom
}

// nextAward computes the award for the next slot from the current counters.
// It never leaves fewer points than slots still to be claimed.
func nextAward(method models.AllocationMethod, budget, slots models.Counter, src Source) int {
	if slots.Remaining <= 0 || budget.Remaining <= 0 {
		return 0
	}
	if slots.Remaining == 1 {
		return budget.Remaining
	}
	upper := budget.Remaining - (slots.Remaining - 1)
	if method == models.MethodEven {
		return clamp(budget.Total/slots.Total, 1, upper)
	}
	return gaussianAward(budget.Remaining, slots.Remaining, src)
}

// gaussianAward draws one award with mean points/slots and standard deviation
// half the mean, clamped so every other slot can still get a point.
func gaussianAward(points, slots int, src Source) int {
	if slots <= 1 {
		return points
	}
	mean := float64(points) / float64(slots)
	sd := mean / 2
	v := int(math.Round(src.NormFloat64()*sd + mean))
	return clamp(v, 1, points-(slots-1))
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func reserve(env *models.Envelope, award int) {
	env.Budget.Remaining -= award
	env.Budget.Distributed += award
	env.Slots.Remaining--
	env.Slots.Distributed++
}

func rollback(env *models.Envelope, award int) {
	env.Budget.Remaining += award
	env.Budget.Distributed -= award
	env.Slots.Remaining++
	env.Slots.Distributed--
}

// Simulate runs the allocator over a fresh envelope and returns every award in
// claim order.
func Simulate(points, slots int, src Source) []int {
	env := models.Envelope{
		Method: MethodFor(points, slots),
		Budget: models.NewCounter(points),
		Slots:  models.NewCounter(slots),
	}
	out := make([]int, 0, slots)
	for env.Slots.Remaining > 0 {
		award := nextAward(env.Method, env.Budget, env.Slots, src)
		reserve(&env, award)
		out = append(out, award)
	}
	return out
}
