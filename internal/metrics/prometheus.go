package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RetrieveDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tutor_retrieve_duration_seconds",
			Help:    "End-to-end Retrieve duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"outcome"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_query_total",
			Help: "Total queries processed by outcome",
		},
		[]string{"outcome"},
	)

	BranchFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_retrieval_branch_failures_total",
			Help: "Retrieval branches that errored or timed out",
		},
		[]string{"source"},
	)

	DirectAnswers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tutor_direct_answers_total",
			Help: "Queries short-circuited by a high-confidence QA match",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	FusedResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tutor_fused_results_count",
			Help:    "Number of fused results per query",
			Buckets: []float64{0, 1, 2, 5, 10, 20},
		},
	)

	FinalScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tutor_final_score",
			Help:    "Top fused result score per query",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	FeedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_feedback_total",
			Help: "Feedback events by sentiment",
		},
		[]string{"sentiment"},
	)

	DifficultyTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tutor_difficulty_transitions_total",
			Help: "Difficulty level transitions by direction",
		},
		[]string{"direction"},
	)
)

func Init() {
	prometheus.MustRegister(RetrieveDuration)
	prometheus.MustRegister(QueryTotal)
	prometheus.MustRegister(BranchFailures)
	prometheus.MustRegister(DirectAnswers)
	prometheus.MustRegister(CacheHits)
	prometheus.MustRegister(CacheMisses)
	prometheus.MustRegister(FusedResultsCount)
	prometheus.MustRegister(FinalScore)
	prometheus.MustRegister(FeedbackTotal)
	prometheus.MustRegister(DifficultyTransitions)
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
