package feed

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Reaper404-wag/russian-trading-bot/internal/ledger"
	"github.com/Reaper404-wag/russian-trading-bot/internal/observ"
)

// SnapshotFunc supplies the current portfolio view for the snapshot endpoint.
type SnapshotFunc func() ledger.Snapshot

// Router builds the HTTP surface: live event stream, portfolio snapshot,
// health and metrics.
func Router(hub *Hub, snapshot SnapshotFunc) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/stream", hub.ServeStream)
	r.Get("/portfolio", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot())
	})
	r.Method(http.MethodGet, "/healthz", observ.HealthHandler())
	r.Method(http.MethodGet, "/metrics", observ.Handler())
	return r
}

// ServeStream is the SSE endpoint. Reconnecting clients send Last-Event-ID
// and get the buffered tail replayed before live events.
func (h *Hub) ServeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	id := clientID()
	ch, replay := h.subscribe(id, r.Header.Get("Last-Event-ID"))
	defer h.unsubscribe(id)
	h.log.Debug().Str("client", id).Int("replay", len(replay)).Msg("stream client connected")

	for _, env := range replay {
		if err := writeEvent(w, env); err != nil {
			return
		}
	}
	flusher.Flush()

	heartbeat := time.NewTicker(10 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ":ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case env, open := <-ch:
			if !open {
				return
			}
			if err := writeEvent(w, env); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", env.Type, env.ID, data)
	return err
}
