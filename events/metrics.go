package events

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts events in prometheus
type Metrics struct {
	connections *prometheus.CounterVec
	live        prometheus.Gauge
	auth        *prometheus.CounterVec
	messages    *prometheus.CounterVec
	rejections  *prometheus.CounterVec
	bytes       prometheus.Counter
}

// NewMetrics registers the collectors with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gosmtpd_connections_total",
				Help: "Incoming SMTP connections, by result.",
			},
			[]string{"result"}, // "accepted" or "refused"
		),
		live: f.NewGauge(prometheus.GaugeOpts{
			Name: "gosmtpd_connections_live",
			Help: "Currently open SMTP sessions.",
		}),
		auth: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gosmtpd_auth_total",
				Help: "Authentication attempts, by result.",
			},
			[]string{"result"},
		),
		messages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gosmtpd_messages_total",
				Help: "Accepted messages by disposition: accepted, stored, queued.",
			},
			[]string{"disposition"},
		),
		rejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gosmtpd_rejections_total",
				Help: "Rejected commands and messages.",
			},
			[]string{"phase", "code"},
		),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Name: "gosmtpd_received_bytes_total",
			Help: "Size of accepted messages.",
		}),
	}
}

func (m *Metrics) Emit(e Event) {
	switch e.Kind {
	case Connected:
		m.connections.WithLabelValues("accepted").Inc()
		m.live.Inc()
	case Disconnected:
		m.live.Dec()
	case AuthSucceeded:
		m.auth.WithLabelValues("ok").Inc()
	case AuthFailed:
		m.auth.WithLabelValues("failed").Inc()
	case Accepted:
		m.messages.WithLabelValues("accepted").Inc()
		m.bytes.Add(float64(e.Size))
	case Stored:
		m.messages.WithLabelValues("stored").Inc()
	case Queued:
		m.messages.WithLabelValues("queued").Inc()
	case Rejected:
		if e.Phase == PhaseConnect {
			m.connections.WithLabelValues("refused").Inc()
		}
		m.rejections.WithLabelValues(e.Phase, strconv.Itoa(e.Code)).Inc()
	}
}
