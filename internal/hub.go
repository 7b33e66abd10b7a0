package internal

import "log/slog"

// Hub fans events out to every registered session and delivers targeted
// events to a single named session. Individual delivery failures are logged
// and counted, never surfaced to the caller; the affected session's own
// close path handles cleanup.
type Hub struct {
	registry *Registry
	metrics  *Metrics
}

func NewHub(registry *Registry, metrics *Metrics) *Hub {
	return &Hub{registry: registry, metrics: metrics}
}

// Broadcast serializes the event once and enqueues it to every live session.
// Each recipient's queue is independent, so a slow or dead consumer delays
// nobody else; per-recipient order still follows submission order because
// each queue is FIFO.
func (h *Hub) Broadcast(event Event) {
	payload := event.Encode()
	h.metrics.IncBroadcast()
	for _, sess := range h.registry.Snapshot() {
		if !sess.enqueue(payload) {
			h.metrics.IncSendFailure()
			slog.Warn("broadcast delivery failed", "username", sess.Username, "event", event.Type)
		}
	}
}

// SendTo delivers the event to the named session only. It returns false when
// the user is not registered; a disconnect racing the send is tolerated and
// also reported as false.
func (h *Hub) SendTo(username string, event Event) bool {
	sess, ok := h.registry.Lookup(username)
	if !ok {
		return false
	}
	if !sess.enqueue(event.Encode()) {
		h.metrics.IncSendFailure()
		slog.Warn("targeted delivery failed", "username", username, "event", event.Type)
		return false
	}
	return true
}
