package internal

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Metrics struct {
	signups      atomic.Uint64
	logins       atomic.Uint64
	authFailures atomic.Uint64
	activeConns  atomic.Int64
	messages     atomic.Uint64
	broadcasts   atomic.Uint64
	relayed      atomic.Uint64
	rejected     atomic.Uint64
	dropped      atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSignup()      { m.signups.Add(1) }
func (m *Metrics) IncLogin()       { m.logins.Add(1) }
func (m *Metrics) IncAuthFailure() { m.authFailures.Add(1) }
func (m *Metrics) IncConn()        { m.activeConns.Add(1) }
func (m *Metrics) DecConn()        { m.activeConns.Add(-1) }
func (m *Metrics) IncMessage()     { m.messages.Add(1) }
func (m *Metrics) IncBroadcast()   { m.broadcasts.Add(1) }
func (m *Metrics) IncRelayed()     { m.relayed.Add(1) }
func (m *Metrics) IncRejected()    { m.rejected.Add(1) }
func (m *Metrics) IncDropped()     { m.dropped.Add(1) }

func (m *Metrics) ActiveConns() int64 { return m.activeConns.Load() }

func (m *Metrics) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"signups_total":        m.signups.Load(),
		"logins_total":         m.logins.Load(),
		"auth_failures_total":  m.authFailures.Load(),
		"active_connections":   m.activeConns.Load(),
		"messages_total":       m.messages.Load(),
		"broadcasts_total":     m.broadcasts.Load(),
		"relayed_events_total": m.relayed.Load(),
		"rejected_ops_total":   m.rejected.Load(),
		"dropped_conns_total":  m.dropped.Load(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}
