package api

import (
	"context"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "github.com/maryammeda/tracker/api"
	listRoute        = "/api/assignments"
	listSpanName     = "assignments.list"
	listMetricsEvent = "assignments.request.metrics"
)

type listRequestMetrics struct {
	logger         *log.Logger
	span           trace.Span
	start          time.Time
	authDuration   time.Duration
	fetchDuration  time.Duration
	encodeDuration time.Duration
	skip           int
	limit          int
	returned       int
	total          int
	errorStage     string
}

// newListRequestMetrics starts the request span. The returned context carries
// it so the cache can annotate hits.
func newListRequestMetrics(ctx context.Context, logger *log.Logger) (*listRequestMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, listSpanName, trace.WithSpanKind(trace.SpanKindServer))
	return &listRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}, ctx
}

func (m *listRequestMetrics) ObserveAuth(d time.Duration)   { m.authDuration = d }
func (m *listRequestMetrics) ObserveFetch(d time.Duration)  { m.fetchDuration = d }
func (m *listRequestMetrics) ObserveEncode(d time.Duration) { m.encodeDuration = d }

func (m *listRequestMetrics) SetPage(skip, limit int) {
	m.skip, m.limit = skip, limit
}

func (m *listRequestMetrics) SetResult(returned, total int) {
	m.returned, m.total = returned, total
}

func (m *listRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log ends the span and writes the single metrics line for the request.
func (m *listRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}
	total := time.Since(m.start)

	if m.span != nil {
		m.span.SetAttributes(
			attribute.String("http.route", listRoute),
			attribute.Int("http.status_code", status),
			attribute.Int("tracker.assignments.skip", m.skip),
			attribute.Int("tracker.assignments.limit", m.limit),
			attribute.Int("tracker.assignments.returned", m.returned),
			attribute.Float64("tracker.assignments.total_ms", durationToMillis(total)),
		)
		if m.errorStage != "" {
			m.span.SetAttributes(attribute.String("tracker.assignments.error_stage", m.errorStage))
		}
		switch {
		case err != nil:
			m.span.RecordError(err)
			m.span.SetStatus(codes.Error, err.Error())
		case status >= http.StatusInternalServerError:
			m.span.SetStatus(codes.Error, http.StatusText(status))
		default:
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	fields := log.Fields{
		"route":    listRoute,
		"status":   status,
		"total_ms": durationToMillis(total),
		"skip":     m.skip,
		"limit":    m.limit,
		"returned": m.returned,
		"count":    m.total,
	}
	if m.authDuration > 0 {
		fields["auth_ms"] = durationToMillis(m.authDuration)
	}
	if m.fetchDuration > 0 {
		fields["fetch_ms"] = durationToMillis(m.fetchDuration)
	}
	if m.encodeDuration > 0 {
		fields["encode_ms"] = durationToMillis(m.encodeDuration)
	}
	if m.errorStage != "" {
		fields["error_stage"] = m.errorStage
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
	}

	m.logger.WithFields(fields).Log(levelForStatus(status, err), listMetricsEvent)
}

func levelForStatus(status int, err error) log.Level {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return log.ErrorLevel
	case status >= http.StatusBadRequest:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
