package handlers

import (
	"net/http"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"

	"github.com/metro-rt/gtfsrt-bridge/internal/feed"
)

// FeedSource builds the current FULL_DATASET message of a stream.
type FeedSource interface {
	Message(stream feed.Stream) (*gtfs.FeedMessage, error)
}

// FeedHandler serves the GTFS-realtime feeds.
type FeedHandler struct {
	source FeedSource
}

// NewFeedHandler creates a new handler over the given feed source
func NewFeedHandler(source FeedSource) *FeedHandler {
	return &FeedHandler{source: source}
}

// Stream returns the handler for one stream. The feed is protobuf encoded
// unless ?format=text or ?format=json is given.
func (h *FeedHandler) Stream(stream feed.Stream) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := h.source.Message(stream)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to build feed", err)
			return
		}

		var (
			body        []byte
			contentType string
		)
		switch format := r.URL.Query().Get("format"); format {
		case "", "pb", "protobuf":
			body, err = proto.Marshal(msg)
			contentType = "application/x-protobuf"
		case "text":
			body, err = prototext.MarshalOptions{Multiline: true}.Marshal(msg)
			contentType = "text/plain; charset=utf-8"
		case "json":
			body, err = protojson.MarshalOptions{Multiline: true}.Marshal(msg)
			contentType = "application/json"
		default:
			writeError(w, http.StatusBadRequest, "Unsupported format", nil)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to encode feed", err)
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}
}
