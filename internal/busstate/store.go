package busstate

import (
	"sync"
	"time"

	"github.com/transitpulse/realtime-tracker/internal/metrics"
)

type entry struct {
	mu       sync.Mutex
	state    State
	lastSeen time.Time
}

// Store is the process-wide bus-id -> State map. Mutation of a single
// bus's state is serialized through that bus's own mutex; distinct bus
// ids never block each other. The map's own structural changes (adding
// a never-seen bus id, evicting an idle one) are guarded separately.
type Store struct {
	mu          sync.RWMutex
	buses       map[string]*entry
	historySize int
}

func NewStore(historySize int) *Store {
	return &Store{
		buses:       make(map[string]*entry),
		historySize: historySize,
	}
}

func (s *Store) entryFor(busID string) *entry {
	s.mu.RLock()
	e, ok := s.buses[busID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.buses[busID]; ok {
		return e
	}
	e = &entry{state: State{BusID: busID}}
	s.buses[busID] = e
	metrics.ActiveBusesGauge.Set(float64(len(s.buses)))
	return e
}

// Update loads or creates busID's state, applies fn to produce the next
// state, and commits it, all under that bus's own lock. This gives the
// load_or_init + commit pair of operations exclusive-per-bus atomicity
// without a global lock; the pipeline never needs to hold a second
// bus's lock while processing a frame, so distinct buses never
// contend.
func (s *Store) Update(busID string, fn func(prev State) State) State {
	e := s.entryFor(busID)
	e.mu.Lock()
	defer e.mu.Unlock()

	next := fn(e.state)
	e.state = next
	e.lastSeen = time.Now()
	return next
}

// IterateActive calls fn once per bus with a consistent snapshot of its
// state. fn observes no torn writes: each snapshot is copied out while
// that bus's own lock is held.
func (s *Store) IterateActive(fn func(State)) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.buses))
	for _, e := range s.buses {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		snap := e.state
		e.mu.Unlock()
		fn(snap)
	}
}

// EvictIdle removes bus entries not updated within window and reports
// how many were removed. Safe to call concurrently with Update and
// IterateActive; an entry mid-Update is simply skipped this pass.
func (s *Store) EvictIdle(window time.Duration) int {
	cutoff := time.Now().Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for busID, e := range s.buses {
		if !e.mu.TryLock() {
			continue
		}
		idle := e.lastSeen.Before(cutoff)
		e.mu.Unlock()
		if idle {
			delete(s.buses, busID)
			removed++
		}
	}
	if removed > 0 {
		metrics.ActiveBusesGauge.Set(float64(len(s.buses)))
	}
	return removed
}
