package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors exported on /metrics. Each instance owns its
// registry so tests can build as many as they need.
type Metrics struct {
	registry *prometheus.Registry

	LLMRequests        *prometheus.CounterVec
	LLMDuration        *prometheus.HistogramVec
	ParseSkips         *prometheus.CounterVec
	QuestionsExtracted *prometheus.CounterVec
	IngestJobs         *prometheus.CounterVec
	AnswersRecorded    *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		LLMRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "LLM completion requests by provider and outcome",
			},
			[]string{"provider", "status"},
		),
		LLMDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM completion requests",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider"},
		),
		ParseSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parse_skips_total",
				Help: "Chunks, pages or phases dropped because the LLM response held no usable JSON",
			},
			[]string{"stage"},
		),
		QuestionsExtracted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "questions_extracted_total",
				Help: "Questions produced by the ingestion pipeline per format",
			},
			[]string{"format"},
		),
		IngestJobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_files_total",
				Help: "Ingested files by terminal status",
			},
			[]string{"status"},
		),
		AnswersRecorded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "answers_recorded_total",
				Help: "Quiz answers applied to the learning profile",
			},
			[]string{"correct"},
		),
	}
	m.registry.MustRegister(
		m.LLMRequests,
		m.LLMDuration,
		m.ParseSkips,
		m.QuestionsExtracted,
		m.IngestJobs,
		m.AnswersRecorded,
		collectors.NewGoCollector(),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
