package clickguard

import (
	"context"
	"sync"
	"time"
)

type Verdict struct {
	Allowed bool
	// Warn is set on the first denial a user gets while the record lives.
	Warn bool
}

type record struct {
	count     int
	penalized bool
	warned    bool
}

// Guard is a per-user soft click limiter. Callers are never blocked; they only
// learn whether the current event may proceed.
type Guard struct {
	mu           sync.Mutex
	records      map[int64]*record
	maxFrequency int
	penaltyTicks int
	interval     time.Duration
}

func New(maxFrequency, penaltyTicks int, interval time.Duration) *Guard {
	if maxFrequency < 1 {
		maxFrequency = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Guard{
		records:      make(map[int64]*record),
		maxFrequency: maxFrequency,
		penaltyTicks: penaltyTicks,
		interval:     interval,
	}
}

func (g *Guard) Check(userID int64) Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.records[userID]
	if rec == nil {
		rec = &record{}
		g.records[userID] = rec
	}
	rec.count++
	if !rec.penalized && rec.count <= g.maxFrequency {
		return Verdict{Allowed: true}
	}
	warn := !rec.warned
	rec.warned = true
	return Verdict{Allowed: false, Warn: warn}
}

// Sweep runs one decay tick.
func (g *Guard) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, rec := range g.records {
		switch {
		case rec.penalized:
			rec.count--
		case rec.count > g.maxFrequency:
			rec.penalized = true
			rec.count += g.penaltyTicks
		default:
			rec.count = 0
		}
		if rec.count <= 0 {
			delete(g.records, id)
		}
	}
}

func (g *Guard) Penalized(userID int64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	rec := g.records[userID]
	return rec != nil && rec.penalized
}

func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.records)
}

func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}
