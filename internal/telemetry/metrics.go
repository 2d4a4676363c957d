package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BulkUploads counts bulk submissions by outcome: succeeded, invalid, upload_failed, partial.
	BulkUploads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizbank_bulk_uploads_total",
			Help: "Total number of bulk upload submissions",
		},
		[]string{"outcome"},
	)

	QuestionsCommitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quizbank_questions_committed_total",
			Help: "Total number of questions written to the unpublished collection",
		},
	)

	CommitDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quizbank_question_commit_duration_seconds",
			Help:    "Time spent writing one question document",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ModerationDecisions counts moderation calls by decision (approve, reject) and outcome.
	ModerationDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizbank_moderation_decisions_total",
			Help: "Total number of moderation decisions",
		},
		[]string{"decision", "outcome"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quizbank_notifications_total",
			Help: "Total number of outbound notifications",
		},
		[]string{"event", "status"},
	)
)
