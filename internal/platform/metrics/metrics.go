package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the room fleet.
type Metrics struct {
	registry          *prometheus.Registry
	roomsCreatedTotal prometheus.Counter
	roomsEvictedTotal *prometheus.CounterVec
	inputsReapedTotal prometheus.Counter
	packetsTotal      *prometheus.CounterVec
	reroutesTotal     prometheus.Counter
	activeRooms       prometheus.Gauge
	pendingDelete     prometheus.Gauge
}

// New creates and registers the fleet metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	roomsCreatedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomd_rooms_created_total",
		Help: "Total number of rooms created",
	})
	roomsEvictedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomd_rooms_evicted_total",
		Help: "Total number of rooms deleted, by reason",
	}, []string{"reason"})
	inputsReapedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomd_inputs_reaped_total",
		Help: "Total number of stale push inputs reaped by the sweep loop",
	})
	packetsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "roomd_game_packets_total",
		Help: "Total telemetry packets, by verdict",
	}, []string{"verdict"})
	reroutesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "roomd_source_reroutes_total",
		Help: "Total number of sources rerouted to a new room on ownership conflict",
	})
	activeRooms := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomd_active_rooms",
		Help: "Number of live rooms",
	})
	pendingDelete := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "roomd_pending_delete_rooms",
		Help: "Number of rooms marked for soft-limit eviction",
	})

	registry.MustRegister(
		roomsCreatedTotal,
		roomsEvictedTotal,
		inputsReapedTotal,
		packetsTotal,
		reroutesTotal,
		activeRooms,
		pendingDelete,
	)

	return &Metrics{
		registry:          registry,
		roomsCreatedTotal: roomsCreatedTotal,
		roomsEvictedTotal: roomsEvictedTotal,
		inputsReapedTotal: inputsReapedTotal,
		packetsTotal:      packetsTotal,
		reroutesTotal:     reroutesTotal,
		activeRooms:       activeRooms,
		pendingDelete:     pendingDelete,
	}
}

func (m *Metrics) IncRoomsCreated() { m.roomsCreatedTotal.Inc() }

func (m *Metrics) IncRoomsEvicted(reason string) {
	m.roomsEvictedTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncInputsReaped() { m.inputsReapedTotal.Inc() }

func (m *Metrics) IncPackets(verdict string) { m.packetsTotal.WithLabelValues(verdict).Inc() }

func (m *Metrics) IncReroutes() { m.reroutesTotal.Inc() }

func (m *Metrics) SetActiveRooms(n int) { m.activeRooms.Set(float64(n)) }

func (m *Metrics) SetPendingDeleteRooms(n int) { m.pendingDelete.Set(float64(n)) }

// Handler serves the Prometheus endpoint. updateGauges runs before each
// scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
