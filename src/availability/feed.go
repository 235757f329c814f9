// Package availability keeps the latest known seat counts per event category.
package availability

import (
	"sync"

	"github.com/orchestra-mcp/boxoffice/src/types"
	"github.com/rs/zerolog"
)

// DefaultCapacity is how many samples the feed retains.
const DefaultCapacity = 50

// Feed is a bounded ring of availability samples. Broadcasts may arrive out
// of order, so readers select by sample timestamp, not by arrival.
type Feed struct {
	mu     sync.RWMutex
	buf    []types.Sample
	next   int
	size   int
	onNew  []func(types.Sample)
	logger zerolog.Logger
}

// New creates a feed retaining at most capacity samples.
func New(capacity int, logger zerolog.Logger) *Feed {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Feed{
		buf:    make([]types.Sample, capacity),
		logger: logger.With().Str("component", "availability").Logger(),
	}
}

// Record appends a locally observed sample and notifies observers.
func (f *Feed) Record(s types.Sample) {
	f.append(s)

	f.mu.RLock()
	observers := append([]func(types.Sample){}, f.onNew...)
	f.mu.RUnlock()
	for _, cb := range observers {
		cb(s)
	}
}

// RecordRemote appends a sample relayed from another instance without
// notifying observers, so relays never echo it back.
func (f *Feed) RecordRemote(s types.Sample) {
	f.append(s)
}

func (f *Feed) append(s types.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf[f.next] = s
	f.next = (f.next + 1) % len(f.buf)
	if f.size < len(f.buf) {
		f.size++
	}
}

// OnRecord registers a callback for locally recorded samples. Callbacks run
// on the producer's goroutine and must not block.
func (f *Feed) OnRecord(cb func(types.Sample)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onNew = append(f.onNew, cb)
}

// Latest returns the sample with the greatest timestamp for the category.
// On equal timestamps the later arrival wins.
func (f *Feed) Latest(eventID, categoryID int64) (types.Sample, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var best types.Sample
	found := false
	for _, s := range f.ordered() {
		if s.EventID != eventID || s.CategoryID != categoryID {
			continue
		}
		if !found || !s.ObservedAt.Before(best.ObservedAt) {
			best = s
			found = true
		}
	}
	return best, found
}

// LatestForEvent returns the latest sample of every category seen for the event.
func (f *Feed) LatestForEvent(eventID int64) map[int64]types.Sample {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make(map[int64]types.Sample)
	for _, s := range f.ordered() {
		if s.EventID != eventID {
			continue
		}
		if cur, ok := out[s.CategoryID]; !ok || !s.ObservedAt.Before(cur.ObservedAt) {
			out[s.CategoryID] = s
		}
	}
	return out
}

// Samples returns the retained samples, oldest arrival first.
func (f *Feed) Samples() []types.Sample {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.ordered()
}

// Len returns the number of retained samples.
func (f *Feed) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}

// Clear drops every sample.
func (f *Feed) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.buf {
		f.buf[i] = types.Sample{}
	}
	f.next = 0
	f.size = 0
}

// HandleUpdate decodes an availability-update broadcast into the feed.
func (f *Feed) HandleUpdate(msg types.Message) error {
	var u types.AvailabilityUpdate
	if err := msg.Decode(&u); err != nil {
		return err
	}
	s, err := u.Sample()
	if err != nil {
		return err
	}
	f.Record(s)
	f.logger.Debug().
		Int64("event_id", s.EventID).
		Int64("category_id", s.CategoryID).
		Int("available", s.Available).
		Msg("availability sample")
	return nil
}

func (f *Feed) ordered() []types.Sample {
	out := make([]types.Sample, 0, f.size)
	start := (f.next - f.size + len(f.buf)) % len(f.buf)
	for i := 0; i < f.size; i++ {
		out = append(out, f.buf[(start+i)%len(f.buf)])
	}
	return out
}
