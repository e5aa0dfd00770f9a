package eventbus

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// ServeHTTP streams Bus events as text/event-stream frames: "event:
// <topic>\ndata: <json>\n\n". No pack repo wraps SSE specifically
// (gorilla/websocket and coder/websocket are full-duplex, a different
// protocol), so this is plain stdlib net/http, the correct fit for a
// one-way server push — see DESIGN.md.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var topics []string
	if q := r.URL.Query()["topic"]; len(q) > 0 {
		topics = q
	}

	ch, unsubscribe := b.Subscribe(topics...)
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				logrus.WithError(err).Warn("eventbus: dropping unmarshalable payload")
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, data)
			flusher.Flush()
		}
	}
}
