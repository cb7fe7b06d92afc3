// Package metrics holds the live per-link counters and derived utilization
// that the topology layer turns into routing weights.
package metrics

import (
	"errors"
	"sync"
	"time"

	"NetSteer/internal/model"
)

var (
	// ErrStaleSample rejects a sample whose timestamp does not advance the
	// link's clock. The previous state is retained.
	ErrStaleSample = errors.New("sample timestamp not newer than last sample")

	// ErrUnknownLink rejects operations on links the store has not been
	// told about by topology discovery.
	ErrUnknownLink = errors.New("unknown link")
)

// maxUtilization keeps derived utilization strictly below 1 so the delay
// model's saturation boundary is never hit from measured data.
const maxUtilization = 0.999999

// LinkParams are the static delay-model inputs for one link.
type LinkParams struct {
	CapacityBps   uint64
	QueueCapacity int
}

// LinkMetrics is a point-in-time read of one link's derived state.
type LinkMetrics struct {
	Params      LinkParams
	Utilization float64
	Sampled     bool // at least one full sampling interval observed
	Stale       bool // excluded from path computation
	LastSample  time.Time
}

type linkState struct {
	mu sync.Mutex

	params      LinkParams
	txBytes     uint64
	lastSample  time.Time
	utilization float64
	sampled     bool
	stale       bool
}

// Store is the link metric store: single writer (the collector) and many
// readers per link, with a lock per link so an update is atomic but
// unrelated links never contend.
type Store struct {
	mu    sync.RWMutex
	links map[model.LinkID]*linkState

	defaults  LinkParams
	overrides map[model.LinkID]LinkParams
}

// NewStore creates a store with the given default link parameters.
func NewStore(defaults LinkParams) *Store {
	return &Store{
		links:     make(map[model.LinkID]*linkState),
		defaults:  defaults,
		overrides: make(map[model.LinkID]LinkParams),
	}
}

// SetOverride pins capacity/queue parameters for a link ahead of its
// discovery. Zero fields fall back to the defaults.
func (s *Store) SetOverride(id model.LinkID, p LinkParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[id] = p
}

// AddLink registers a newly discovered link. Adding an existing link is a
// no-op so replayed discovery events are harmless.
func (s *Store) AddLink(id model.LinkID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.links[id]; ok {
		return
	}
	params := s.defaults
	if ov, ok := s.overrides[id]; ok {
		if ov.CapacityBps > 0 {
			params.CapacityBps = ov.CapacityBps
		}
		if ov.QueueCapacity > 0 {
			params.QueueCapacity = ov.QueueCapacity
		}
	}
	s.links[id] = &linkState{params: params}
}

// RemoveLink forgets a link that is no longer reported as up.
func (s *Store) RemoveLink(id model.LinkID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, id)
}

// RecordSample folds one transmit-counter observation into the link state.
// The first accepted sample only seeds the counters; utilization becomes
// valid from the second sample on. Out-of-order or duplicate telemetry is
// rejected with ErrStaleSample and leaves the state untouched.
func (s *Store) RecordSample(id model.LinkID, txBytes uint64, ts time.Time) error {
	s.mu.RLock()
	st, ok := s.links[id]
	s.mu.RUnlock()
	if !ok {
		return ErrUnknownLink
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.lastSample.IsZero() && !ts.After(st.lastSample) {
		return ErrStaleSample
	}

	if st.lastSample.IsZero() || txBytes < st.txBytes {
		// First sample, or the switch counter wrapped/reset: seed and
		// wait one interval before deriving a rate.
		st.txBytes = txBytes
		st.lastSample = ts
		st.sampled = false
		st.stale = false
		return nil
	}

	deltaBytes := txBytes - st.txBytes
	deltaT := ts.Sub(st.lastSample).Seconds()
	throughputBps := float64(deltaBytes) * 8 / deltaT

	u := throughputBps / float64(st.params.CapacityBps)
	if u < 0 {
		u = 0
	}
	if u > maxUtilization {
		u = maxUtilization
	}

	st.utilization = u
	st.txBytes = txBytes
	st.lastSample = ts
	st.sampled = true
	st.stale = false
	return nil
}

// MarkStaleBefore marks every link whose last accepted sample is older
// than cutoff, and returns the links newly marked. Stale links are
// excluded from path computation until a fresh sample arrives.
func (s *Store) MarkStaleBefore(cutoff time.Time) []model.LinkID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var marked []model.LinkID
	for id, st := range s.links {
		st.mu.Lock()
		if !st.stale && !st.lastSample.IsZero() && st.lastSample.Before(cutoff) {
			st.stale = true
			marked = append(marked, id)
		}
		st.mu.Unlock()
	}
	return marked
}

// Read returns the current metrics for one link.
func (s *Store) Read(id model.LinkID) (LinkMetrics, bool) {
	s.mu.RLock()
	st, ok := s.links[id]
	s.mu.RUnlock()
	if !ok {
		return LinkMetrics{}, false
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return LinkMetrics{
		Params:      st.params,
		Utilization: st.utilization,
		Sampled:     st.sampled,
		Stale:       st.stale,
		LastSample:  st.lastSample,
	}, true
}

// Snapshot returns metrics for every known link.
func (s *Store) Snapshot() map[model.LinkID]LinkMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[model.LinkID]LinkMetrics, len(s.links))
	for id, st := range s.links {
		st.mu.Lock()
		out[id] = LinkMetrics{
			Params:      st.params,
			Utilization: st.utilization,
			Sampled:     st.sampled,
			Stale:       st.stale,
			LastSample:  st.lastSample,
		}
		st.mu.Unlock()
	}
	return out
}
