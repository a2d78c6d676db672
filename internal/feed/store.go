package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"google.golang.org/protobuf/proto"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
)

const gtfsRealtimeVersion = "2.0"

// Update is what a sink receives after a committed diff: the entities that
// were added or updated plus the ids that were deleted.
type Update struct {
	Updated   []*gtfs.FeedEntity
	Deleted   []string
	Timestamp time.Time
}

// Sink receives stream updates.
type Sink interface {
	Apply(ctx context.Context, stream Stream, u Update) error
}

// MultiSink applies each update to every sink in order, stopping at the
// first failure.
type MultiSink []Sink

func (m MultiSink) Apply(ctx context.Context, stream Stream, u Update) error {
	for _, s := range m {
		if err := s.Apply(ctx, stream, u); err != nil {
			return err
		}
	}
	return nil
}

type streamState struct {
	entities  map[string]*gtfs.FeedEntity
	deleted   []string
	updatedAt time.Time
}

// Store keeps the latest full dataset of every stream in memory.
type Store struct {
	mu      sync.RWMutex
	streams map[Stream]*streamState
}

// NewStore creates an empty store.
func NewStore() *Store {
	s := &Store{streams: make(map[Stream]*streamState)}
	for _, name := range Streams {
		s.streams[name] = &streamState{entities: make(map[string]*gtfs.FeedEntity)}
	}
	return s
}

// Apply replaces the stored entities of the updated ids and drops the
// deleted ones. The deleted ids are kept until the next update so they can
// be served as tombstones.
func (s *Store) Apply(_ context.Context, stream Stream, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[stream]
	if !ok {
		return fmt.Errorf("unknown stream %q", stream)
	}
	for _, e := range u.Updated {
		if e.GetId() == "" {
			return errors.New("feed entity without id")
		}
	}

	for _, e := range u.Updated {
		st.entities[e.GetId()] = e
	}
	for _, id := range u.Deleted {
		delete(st.entities, id)
	}
	st.deleted = append([]string(nil), u.Deleted...)
	st.updatedAt = u.Timestamp
	return nil
}

// Message builds a FULL_DATASET feed message for stream. Entities are ordered
// by id, followed by tombstones for the ids deleted in the last update.
func (s *Store) Message(stream Stream) (*gtfs.FeedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[stream]
	if !ok {
		return nil, fmt.Errorf("unknown stream %q", stream)
	}

	ids := make([]string, 0, len(st.entities))
	for id := range st.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	entities := make([]*gtfs.FeedEntity, 0, len(ids)+len(st.deleted))
	for _, id := range ids {
		entities = append(entities, st.entities[id])
	}
	// is_deleted in a FULL_DATASET is intentional: polling consumers that
	// diff snapshots see each retraction for one update.
	for _, id := range st.deleted {
		entities = append(entities, Tombstone(id))
	}

	return NewMessage(gtfs.FeedHeader_FULL_DATASET, st.updatedAt, entities), nil
}

// NewMessage wraps entities in a feed message.
func NewMessage(incrementality gtfs.FeedHeader_Incrementality, ts time.Time, entities []*gtfs.FeedEntity) *gtfs.FeedMessage {
	header := &gtfs.FeedHeader{
		GtfsRealtimeVersion: proto.String(gtfsRealtimeVersion),
		Incrementality:      incrementality.Enum(),
	}
	if !ts.IsZero() {
		header.Timestamp = proto.Uint64(uint64(ts.Unix()))
	}
	return &gtfs.FeedMessage{Header: header, Entity: entities}
}

// Tombstone is the entity published for a deleted id.
func Tombstone(id string) *gtfs.FeedEntity {
	return &gtfs.FeedEntity{Id: proto.String(id), IsDeleted: proto.Bool(true)}
}
