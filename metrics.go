package convsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the engine's Prometheus collectors.
type Metrics struct {
	Events       *prometheus.CounterVec
	Correlations *prometheus.CounterVec
	Sends        *prometheus.CounterVec
	HistoryPages *prometheus.CounterVec
	ReadReceipts *prometheus.CounterVec
	LiveHandles  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is what tests and the CLI use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Events: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "convsync_events_total", Help: "Realtime events by outcome"},
			[]string{"kind"},
		),
		Correlations: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "convsync_correlations_total", Help: "Placeholders resolved, by winning source"},
			[]string{"source"},
		),
		Sends: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "convsync_sends_total", Help: "Send attempts by result"},
			[]string{"result"},
		),
		HistoryPages: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "convsync_history_pages_total", Help: "History page loads by result"},
			[]string{"result"},
		),
		ReadReceipts: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "convsync_read_receipts_total", Help: "Read receipt calls by result"},
			[]string{"result"},
		),
		LiveHandles: prometheus.NewGauge(
			prometheus.GaugeOpts{Name: "convsync_live_handles", Help: "Attachment handles currently held"},
		),
	}
	if reg != nil {
		reg.MustRegister(m.Events, m.Correlations, m.Sends, m.HistoryPages, m.ReadReceipts, m.LiveHandles)
	}
	return m
}
