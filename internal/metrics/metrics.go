package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EnvelopesCreated  prometheus.Counter
	EnvelopesLive     prometheus.Gauge
	EnvelopesFinished *prometheus.CounterVec
	Claims            *prometheus.CounterVec
	PointsDistributed prometheus.Counter

	LedgerRequests *prometheus.CounterVec
	LedgerLatency  *prometheus.HistogramVec

	DispatchOps   *prometheus.CounterVec
	DispatchQueue *prometheus.GaugeVec
	FloodWaits    prometheus.Counter

	ClickDenied prometheus.Counter
}

// New registers all collectors on registry. A nil registry means the default one.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		EnvelopesCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "hongbao_envelopes_created_total",
			Help: "Envelopes created since start",
		}),
		EnvelopesLive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hongbao_envelopes_live",
			Help: "Envelopes currently held in the live pool",
		}),
		EnvelopesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hongbao_envelopes_finished_total",
			Help: "Envelopes finished, by reason",
		}, []string{"reason"}),
		Claims: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hongbao_claims_total",
			Help: "Claim attempts by result",
		}, []string{"result"}),
		PointsDistributed: factory.NewCounter(prometheus.CounterOpts{
			Name: "hongbao_points_distributed_total",
			Help: "Points settled to claimants",
		}),
		LedgerRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hongbao_ledger_requests_total",
			Help: "Ledger conversations by operation and result",
		}, []string{"op", "result"}),
		LedgerLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hongbao_ledger_roundtrip_seconds",
			Help:    "Ledger round trip latency",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 8, 15},
		}, []string{"op"}),
		DispatchOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hongbao_dispatch_ops_total",
			Help: "Outbound chat operations by kind and result",
		}, []string{"kind", "result"}),
		DispatchQueue: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hongbao_dispatch_queue_length",
			Help: "Queued outbound operations by priority",
		}, []string{"priority"}),
		FloodWaits: factory.NewCounter(prometheus.CounterOpts{
			Name: "hongbao_dispatch_flood_waits_total",
			Help: "Flood control pauses honoured by the dispatcher",
		}),
		ClickDenied: factory.NewCounter(prometheus.CounterOpts{
			Name: "hongbao_click_denied_total",
			Help: "Inbound events rejected by the click guard",
		}),
	}
}

// Noop returns metrics registered on a private registry, handy for tests and tools.
func Noop() *Metrics {
	return New(prometheus.NewRegistry())
}
