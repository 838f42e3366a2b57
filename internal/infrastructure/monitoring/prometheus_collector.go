package monitoring

import (
	"strconv"
	"time"

	"livebid/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var healthClasses = []domain.HealthClass{domain.HealthExcellent, domain.HealthGood, domain.HealthFair, domain.HealthPoor}

// PrometheusCollector records control-channel, auction and media metrics.
// It satisfies signal.Metrics, services.AuctionMetrics and services.MediaMetrics.
type PrometheusCollector struct {
	// Control channel
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	reconnectsTotal prometheus.Counter
	rtt             prometheus.Histogram
	health          *prometheus.GaugeVec

	// Auction
	bidsTotal      *prometheus.CounterVec
	decisionsTotal *prometheus.CounterVec
	sessionsTotal  *prometheus.CounterVec

	// Media
	mediaState     *prometheus.GaugeVec
	producers      prometheus.Gauge
	consumers      prometheus.Gauge
	layerRequested *prometheus.CounterVec
}

// NewPrometheusCollector registers every metric with reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	f := promauto.With(reg)
	return &PrometheusCollector{
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livebid_signal_requests_total",
			Help: "Control-channel requests by event and outcome",
		}, []string{"event", "outcome"}),

		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livebid_signal_request_duration_seconds",
			Help:    "Time from emit to response",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15, 30},
		}, []string{"event"}),

		reconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "livebid_signal_reconnects_total",
			Help: "Reconnect attempts of the control channel",
		}),

		rtt: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "livebid_signal_rtt_seconds",
			Help:    "Heartbeat round-trip time",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.15, 0.25, 0.5, 1},
		}),

		health: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livebid_signal_health",
			Help: "1 for the current connection health class",
		}, []string{"class"}),

		bidsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livebid_bids_placed_total",
			Help: "Bid attempts by outcome",
		}, []string{"outcome"}),

		decisionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livebid_bid_status_total",
			Help: "Bids reaching a status",
		}, []string{"status"}),

		sessionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livebid_session_status_total",
			Help: "Sessions reaching a status",
		}, []string{"status"}),

		mediaState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livebid_media_state",
			Help: "1 for the current media controller state",
		}, []string{"state"}),

		producers: f.NewGauge(prometheus.GaugeOpts{
			Name: "livebid_media_producers",
			Help: "Local producers",
		}),

		consumers: f.NewGauge(prometheus.GaugeOpts{
			Name: "livebid_media_consumers",
			Help: "Remote consumers",
		}),

		layerRequested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "livebid_media_layer_requests_total",
			Help: "Preferred spatial layer requests",
		}, []string{"layer"}),
	}
}

func (p *PrometheusCollector) RequestCompleted(event, outcome string, d time.Duration) {
	p.requestsTotal.WithLabelValues(event, outcome).Inc()
	p.requestDuration.WithLabelValues(event).Observe(d.Seconds())
}

func (p *PrometheusCollector) Reconnect() {
	p.reconnectsTotal.Inc()
}

func (p *PrometheusCollector) RTT(d time.Duration) {
	p.rtt.Observe(d.Seconds())
}

func (p *PrometheusCollector) Health(class domain.HealthClass) {
	for _, c := range healthClasses {
		v := 0.0
		if c == class {
			v = 1
		}
		p.health.WithLabelValues(string(c)).Set(v)
	}
}

func (p *PrometheusCollector) BidPlaced(outcome string) {
	p.bidsTotal.WithLabelValues(outcome).Inc()
}

func (p *PrometheusCollector) BidDecided(status domain.BidStatus) {
	p.decisionsTotal.WithLabelValues(string(status)).Inc()
}

func (p *PrometheusCollector) SessionStatus(status domain.SessionStatus) {
	p.sessionsTotal.WithLabelValues(string(status)).Inc()
}

// MediaState flips the state gauge; the previous state is reset.
func (p *PrometheusCollector) MediaState(state string) {
	p.mediaState.Reset()
	p.mediaState.WithLabelValues(state).Set(1)
}

func (p *PrometheusCollector) Producers(n int) {
	p.producers.Set(float64(n))
}

func (p *PrometheusCollector) Consumers(n int) {
	p.consumers.Set(float64(n))
}

func (p *PrometheusCollector) LayerRequested(layer int) {
	p.layerRequested.WithLabelValues(strconv.Itoa(layer)).Inc()
}
