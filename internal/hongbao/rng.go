package hongbao

import (
	"math"
	"sync"
)

// Source supplies the randomness used for Gaussian awards and for picking the
// next queued claim.
type Source interface {
	Float64() float64
	NormFloat64() float64
	Intn(n int) int
}

type XorShift32 struct {
	state uint32
	spare float64
	has   bool
}

func NewXorShift32(seed uint32) *XorShift32 {
	if seed == 0 {
		seed = 0x12345678
	}
	return &XorShift32{state: seed}
}

func (x *XorShift32) Next() uint32 {
	s := x.state
	s ^= s << 13
	s ^= s >> 17
	s ^= s << 5
	x.state = s
	return s
}

// Float64 returns a value in [0, 1).
func (x *XorShift32) Float64() float64 {
	return float64(x.Next()) / (float64(^uint32(0)) + 1)
}

func (x *XorShift32) Intn(n int) int {
	if n <= 1 {
		return 0
	}
	return int(x.Next() % uint32(n))
}

// NormFloat64 draws a standard normal value with the Box-Muller transform.
func (x *XorShift32) NormFloat64() float64 {
	if x.has {
		x.has = false
		return x.spare
	}
	u1 := x.Float64()
	for u1 == 0 {
		u1 = x.Float64()
	}
	u2 := x.Float64()
	r := math.Sqrt(-2 * math.Log(u1))
	x.spare = r * math.Sin(2*math.Pi*u2)
	x.has = true
	return r * math.Cos(2*math.Pi*u2)
}

type lockedSource struct {
	mu  sync.Mutex
	src Source
}

func (l *lockedSource) Float64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Float64()
}

func (l *lockedSource) NormFloat64() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.NormFloat64()
}

func (l *lockedSource) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.src.Intn(n)
}
