package screener

import (
	"log"
	"sync"
	"time"
)

// UniverseSource yields the symbols a pass should cover.
type UniverseSource interface {
	Symbols() []string
}

// Notifier pushes alerts for symbols newly appearing in the result set.
type Notifier interface {
	NotifyNewMatches(results []Result) error
}

// Broadcaster fans a finished result set out to connected clients.
type Broadcaster interface {
	BroadcastResults(results []Result)
}

// Runner drives complete screening passes and remembers the latest
// result set so the API can serve it without refetching. Notifier and
// Broadcaster may be nil.
type Runner struct {
	screener    *Screener
	universe    UniverseSource
	notifier    Notifier
	broadcaster Broadcaster
	now         func() time.Time

	mu          sync.RWMutex
	lastResults []Result
	lastSeen    map[string]bool
	lastRun     time.Time
	running     bool
}

// NewRunner wires a pass runner.
func NewRunner(s *Screener, universe UniverseSource, notifier Notifier, broadcaster Broadcaster) *Runner {
	return &Runner{
		screener:    s,
		universe:    universe,
		notifier:    notifier,
		broadcaster: broadcaster,
		now:         time.Now,
		lastSeen:    make(map[string]bool),
	}
}

// RunOnePass screens the current universe, caches the results, alerts
// on symbols not present in the previous pass, and broadcasts the set.
// Overlapping passes are coalesced: a pass that finds one already in
// flight returns the cached results instead of starting another.
func (r *Runner) RunOnePass() ([]Result, error) {
	r.mu.Lock()
	if r.running {
		cached := r.lastResults
		r.mu.Unlock()
		log.Println("Screening pass already in flight, returning cached results")
		return cached, nil
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	symbols := r.universe.Symbols()
	log.Printf("Starting screening pass over %d symbols", len(symbols))

	results, err := r.screener.ScreenAll(symbols)
	if err != nil {
		return nil, err
	}

	fresh := r.remember(results)
	if len(fresh) > 0 && r.notifier != nil {
		if err := r.notifier.NotifyNewMatches(fresh); err != nil {
			log.Printf("Notification failed: %v", err)
		}
	}
	if r.broadcaster != nil {
		r.broadcaster.BroadcastResults(results)
	}
	return results, nil
}

// remember stores the pass outcome and returns the results whose
// symbols were absent from the previous pass.
func (r *Runner) remember(results []Result) []Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	fresh := make([]Result, 0)
	seen := make(map[string]bool, len(results))
	for _, res := range results {
		seen[res.Symbol] = true
		if !r.lastSeen[res.Symbol] {
			fresh = append(fresh, res)
		}
	}
	r.lastResults = results
	r.lastSeen = seen
	r.lastRun = r.now()
	return fresh
}

// LatestResults returns the cached result set and when it was produced.
func (r *Runner) LatestResults() ([]Result, time.Time) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastResults, r.lastRun
}
