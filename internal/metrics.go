package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// Metrics keeps cheap atomic counters for the health endpoint.
type Metrics struct {
	logins         atomic.Uint64
	authFailures   atomic.Uint64
	broadcasts     atomic.Uint64
	sendFailures   atomic.Uint64
	filesRelayed   atomic.Uint64
	activeSessions atomic.Int64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncLogin()       { m.logins.Add(1) }
func (m *Metrics) IncAuthFailure() { m.authFailures.Add(1) }
func (m *Metrics) IncBroadcast()   { m.broadcasts.Add(1) }
func (m *Metrics) IncSendFailure() { m.sendFailures.Add(1) }
func (m *Metrics) IncFileRelay()   { m.filesRelayed.Add(1) }
func (m *Metrics) IncSession()     { m.activeSessions.Add(1) }
func (m *Metrics) DecSession()     { m.activeSessions.Add(-1) }

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"logins_total":        m.logins.Load(),
		"auth_failures_total": m.authFailures.Load(),
		"broadcasts_total":    m.broadcasts.Load(),
		"send_failures_total": m.sendFailures.Load(),
		"files_relayed_total": m.filesRelayed.Load(),
		"active_sessions":     m.activeSessions.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
