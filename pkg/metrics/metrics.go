package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	LegsPlaced             *prometheus.CounterVec
	LegTransitions         *prometheus.CounterVec
	ClassifierDecisions    *prometheus.CounterVec
	RaceAttempts           *prometheus.CounterVec
	Transfers              *prometheus.CounterVec
	LoserHangups           *prometheus.CounterVec
	JobsFinished           *prometheus.CounterVec
	ActiveAudioSessions    prometheus.Gauge
	ScheduledPlacements    prometheus.Gauge
	PlacementLeaderChanges prometheus.Counter
	PlacementDuration      prometheus.Histogram
	RedisOperationDuration *prometheus.HistogramVec
	StreamMessages         *prometheus.CounterVec
}

// NewMetrics registers every collector with reg; pass prometheus.DefaultRegisterer in production
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		LegsPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hold_hunter_legs_placed_total",
			Help: "Outbound call placements by outcome",
		}, []string{"outcome"}),
		LegTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hold_hunter_leg_transitions_total",
			Help: "Leg status transitions by target status",
		}, []string{"status"}),
		ClassifierDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hold_hunter_classifier_decisions_total",
			Help: "Audio classifier decisions by kind",
		}, []string{"kind"}),
		RaceAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hold_hunter_race_attempts_total",
			Help: "Winner lock attempts by outcome",
		}, []string{"outcome"}),
		Transfers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hold_hunter_transfers_total",
			Help: "Transfers of winning legs by outcome",
		}, []string{"outcome"}),
		LoserHangups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hold_hunter_loser_hangups_total",
			Help: "Hangups of losing legs by outcome",
		}, []string{"outcome"}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hold_hunter_jobs_finished_total",
			Help: "Jobs reaching a terminal status",
		}, []string{"status"}),
		ActiveAudioSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hold_hunter_active_audio_sessions",
			Help: "Open media stream sessions on this pod",
		}),
		ScheduledPlacements: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hold_hunter_scheduled_placements",
			Help: "Placements waiting for their due time",
		}),
		PlacementLeaderChanges: factory.NewCounter(prometheus.CounterOpts{
			Name: "hold_hunter_placement_leader_changes_total",
			Help: "Total number of placement scheduler leader changes",
		}),
		PlacementDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hold_hunter_placement_duration_seconds",
			Help:    "Time taken to originate a call with the provider",
			Buckets: prometheus.DefBuckets,
		}),
		RedisOperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hold_hunter_redis_operation_duration_seconds",
			Help:    "Time taken for Redis operations",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		StreamMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hold_hunter_placement_stream_messages_total",
			Help: "Placement stream messages processed by status",
		}, []string{"status"}),
	}
}
