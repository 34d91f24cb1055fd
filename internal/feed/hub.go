package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Reaper404-wag/russian-trading-bot/internal/ledger"
	"github.com/Reaper404-wag/russian-trading-bot/internal/observ"
	"github.com/Reaper404-wag/russian-trading-bot/internal/orders"
	"github.com/Reaper404-wag/russian-trading-bot/internal/risk"
	"github.com/Reaper404-wag/russian-trading-bot/internal/signal"
)

// Envelope wraps every streamed event with metadata for ordering and resume.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"` // signal, decision, transition, snapshot
	ID      string          `json:"id"`   // monotonic, used for Last-Event-ID resume
	TS      time.Time       `json:"ts_utc"`
	Payload json.RawMessage `json:"payload"`
}

// Hub fans pipeline events out to SSE subscribers. A bounded replay buffer
// lets reconnecting clients resume from their Last-Event-ID; slow clients
// get events dropped rather than stalling the pipeline.
type Hub struct {
	mu         sync.Mutex
	nextID     int64
	buffer     []Envelope
	bufferCap  int
	clients    map[string]chan Envelope
	clientSize int
	log        zerolog.Logger
}

func NewHub(replayCap int, log zerolog.Logger) *Hub {
	if replayCap <= 0 {
		replayCap = 1000
	}
	return &Hub{
		nextID:     1,
		bufferCap:  replayCap,
		clients:    map[string]chan Envelope{},
		clientSize: 100,
		log:        log.With().Str("component", "feed").Logger(),
	}
}

// Publish enqueues one event for every subscriber.
func (h *Hub) Publish(eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error().Err(err).Str("type", eventType).Msg("feed payload marshal failed")
		return
	}

	h.mu.Lock()
	env := Envelope{
		V:       1,
		Type:    eventType,
		ID:      strconv.FormatInt(h.nextID, 10),
		TS:      time.Now().UTC(),
		Payload: data,
	}
	h.nextID++
	h.buffer = append(h.buffer, env)
	if len(h.buffer) > h.bufferCap {
		h.buffer = h.buffer[len(h.buffer)-h.bufferCap:]
	}
	for id, ch := range h.clients {
		select {
		case ch <- env:
		default:
			observ.IncCounter("feed_events_dropped_total", map[string]string{"client": id})
		}
	}
	h.mu.Unlock()

	observ.IncCounter("feed_events_total", map[string]string{"type": eventType})
}

// subscribe registers a client and returns its channel plus any buffered
// events after lastEventID.
func (h *Hub) subscribe(clientID, lastEventID string) (chan Envelope, []Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var replay []Envelope
	if lastEventID != "" {
		if last, err := strconv.ParseInt(lastEventID, 10, 64); err == nil {
			for _, env := range h.buffer {
				if id, _ := strconv.ParseInt(env.ID, 10, 64); id > last {
					replay = append(replay, env)
				}
			}
		}
	}

	ch := make(chan Envelope, h.clientSize)
	h.clients[clientID] = ch
	observ.SetGauge("feed_clients", float64(len(h.clients)), nil)
	return ch, replay
}

func (h *Hub) unsubscribe(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.clients[clientID]; ok {
		delete(h.clients, clientID)
		close(ch)
	}
	observ.SetGauge("feed_clients", float64(len(h.clients)), nil)
}

func (h *Hub) PublishSignal(sig *signal.TradingSignal) { h.Publish("signal", sig) }
func (h *Hub) PublishDecision(d risk.Decision)         { h.Publish("decision", d) }
func (h *Hub) PublishSnapshot(snap ledger.Snapshot)    { h.Publish("snapshot", snap) }

// OrderTransition implements the orchestrator's sink.
func (h *Hub) OrderTransition(o orders.Order, t orders.Transition) {
	h.Publish("transition", struct {
		Order      orders.Order      `json:"order"`
		Transition orders.Transition `json:"transition"`
	}{o, t})
}

func clientID() string {
	return fmt.Sprintf("client-%d", time.Now().UnixNano())
}
