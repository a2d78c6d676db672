package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Stream names one published GTFS-realtime feed.
type Stream string

const (
	TripUpdates      Stream = "trip_updates"
	VehiclePositions Stream = "vehicle_positions"
	Alerts           Stream = "alerts"
)

// Streams lists every published stream.
var Streams = []Stream{TripUpdates, VehiclePositions, Alerts}

// PublishedSet holds the ids of a stream's entities believed live.
type PublishedSet interface {
	IDs(ctx context.Context) ([]string, error)
	Replace(ctx context.Context, ids []string) error
}

// Diff is the change between the published set and the current cycle.
type Diff struct {
	Stream  Stream
	Added   []string
	Updated []string
	Deleted []string
}

// Empty reports whether nothing was added, updated or deleted.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Deleted) == 0
}

// Compute diffs current against previous. All three lists are sorted.
func Compute(stream Stream, previous, current []string) Diff {
	prev := make(map[string]bool, len(previous))
	for _, id := range previous {
		prev[id] = true
	}
	cur := make(map[string]bool, len(current))

	d := Diff{Stream: stream}
	for _, id := range current {
		if cur[id] {
			continue
		}
		cur[id] = true
		if prev[id] {
			d.Updated = append(d.Updated, id)
		} else {
			d.Added = append(d.Added, id)
		}
	}
	for id := range prev {
		if !cur[id] {
			d.Deleted = append(d.Deleted, id)
		}
	}

	sort.Strings(d.Added)
	sort.Strings(d.Updated)
	sort.Strings(d.Deleted)
	return d
}

// DiffEngine tracks the published set of each stream.
type DiffEngine struct {
	mu   sync.Mutex
	sets map[Stream]PublishedSet
}

// NewDiffEngine creates an engine with in-memory sets for every stream.
// Use WithSet to back a stream by a durable set.
func NewDiffEngine() *DiffEngine {
	e := &DiffEngine{sets: make(map[Stream]PublishedSet)}
	for _, s := range Streams {
		e.sets[s] = NewMemorySet()
	}
	return e
}

// WithSet replaces the published set of stream.
func (e *DiffEngine) WithSet(stream Stream, set PublishedSet) *DiffEngine {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sets[stream] = set
	return e
}

func (e *DiffEngine) set(stream Stream) (PublishedSet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	set, ok := e.sets[stream]
	if !ok {
		return nil, fmt.Errorf("unknown stream %q", stream)
	}
	return set, nil
}

// Commit diffs current against the published set of stream and calls publish
// with the result. The set is replaced by current only when publish succeeds,
// so a failed publish yields the same deletions on the next commit.
func (e *DiffEngine) Commit(ctx context.Context, stream Stream, current []string, publish func(Diff) error) (Diff, error) {
	set, err := e.set(stream)
	if err != nil {
		return Diff{}, err
	}

	previous, err := set.IDs(ctx)
	if err != nil {
		return Diff{}, fmt.Errorf("failed to read published %s: %w", stream, err)
	}

	d := Compute(stream, previous, current)
	if err := publish(d); err != nil {
		return d, fmt.Errorf("failed to publish %s: %w", stream, err)
	}

	if err := set.Replace(ctx, current); err != nil {
		return d, fmt.Errorf("failed to store published %s: %w", stream, err)
	}
	return d, nil
}

// MemorySet is a PublishedSet kept in process memory.
type MemorySet struct {
	mu  sync.Mutex
	ids map[string]bool
}

// NewMemorySet creates an empty set.
func NewMemorySet() *MemorySet {
	return &MemorySet{ids: make(map[string]bool)}
}

func (s *MemorySet) IDs(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemorySet) Replace(_ context.Context, ids []string) error {
	next := make(map[string]bool, len(ids))
	for _, id := range ids {
		next[id] = true
	}
	s.mu.Lock()
	s.ids = next
	s.mu.Unlock()
	return nil
}
