package publisher

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"google.golang.org/protobuf/proto"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"

	"github.com/metro-rt/gtfsrt-bridge/internal/feed"
)

// NATSPublisher publishes every stream update as a DIFFERENTIAL GTFS-realtime
// feed message on <prefix>.<stream>.
type NATSPublisher struct {
	nc      *nats.Conn
	prefix  string
	metrics PublisherMetrics
}

type PublisherMetrics interface {
	NATSPublishedInc()
	NATSPublishErrInc()
	PublishObserve(d time.Duration)
	NATSSetConnected(connected bool)
}

func NewNATSPublisher(url, prefix string, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("gtfsrt-bridge"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("NATS: disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(true)
			}
			log.Printf("NATS: reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.NATSSetConnected(false)
			}
			log.Printf("NATS: connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if m != nil {
		m.NATSSetConnected(true)
	}
	return &NATSPublisher{nc: nc, prefix: prefix, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// Apply implements feed.Sink.
func (p *NATSPublisher) Apply(_ context.Context, stream feed.Stream, u feed.Update) error {
	if len(u.Updated) == 0 && len(u.Deleted) == 0 {
		return nil
	}

	b, err := proto.Marshal(DifferentialMessage(u))
	if err != nil {
		return fmt.Errorf("failed to marshal %s update: %w", stream, err)
	}

	start := time.Now()
	err = p.nc.Publish(Subject(p.prefix, stream), b)
	if p.metrics != nil {
		p.metrics.PublishObserve(time.Since(start))
		if err != nil {
			p.metrics.NATSPublishErrInc()
		} else {
			p.metrics.NATSPublishedInc()
		}
	}
	if err != nil {
		return fmt.Errorf("failed to publish %s update: %w", stream, err)
	}
	return nil
}

// DifferentialMessage encodes an update as a DIFFERENTIAL feed message, with
// deletions as tombstones after the updated entities.
func DifferentialMessage(u feed.Update) *gtfs.FeedMessage {
	entities := make([]*gtfs.FeedEntity, 0, len(u.Updated)+len(u.Deleted))
	entities = append(entities, u.Updated...)
	for _, id := range u.Deleted {
		entities = append(entities, feed.Tombstone(id))
	}
	return feed.NewMessage(gtfs.FeedHeader_DIFFERENTIAL, u.Timestamp, entities)
}

// Subject returns the NATS subject of stream.
func Subject(prefix string, stream feed.Stream) string {
	if prefix == "" {
		return subjectToken(string(stream))
	}
	return fmt.Sprintf("%s.%s", prefix, subjectToken(string(stream)))
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
