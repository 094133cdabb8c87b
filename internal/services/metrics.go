package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	generationRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "atlas_generation_requests_total",
			Help: "Generation service calls by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	generationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "atlas_generation_duration_seconds",
			Help:    "Latency of generation service calls.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	turnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atlas_turns_total",
		Help: "Accepted conversational turns.",
	})

	turnFallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atlas_turn_fallbacks_total",
		Help: "Turns answered with the in-story fallback message.",
	})

	imageFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atlas_image_failures_total",
		Help: "Scene image syntheses that produced no image.",
	})
)

const (
	opGenerateWorld = "generate_world"
	opAdvanceTurn   = "advance_turn"
	opSceneImage    = "scene_image"
)

func observeGeneration(operation string, start time.Time, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	generationRequestsTotal.With(prometheus.Labels{"operation": operation, "outcome": outcome}).Inc()
	generationDuration.With(prometheus.Labels{"operation": operation}).Observe(time.Since(start).Seconds())
}
