package api

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName       = "taskboard-api"
	requestSpanName  = "board.request"
	requestEventName = "board.request"
	eventDomain      = "taskboard"
)

// requestMetrics collects per-request timings for the task routes and emits
// one observability event per request: a span on the active tracer plus a
// structured logrus record carrying the same attributes.
type requestMetrics struct {
	logger *log.Logger
	route  string
	span   trace.Span
	start  time.Time

	authDuration    time.Duration
	storeDuration   time.Duration
	encodeDuration  time.Duration
	versionProvided bool
	conflict        bool
	tasksReturned   int
	errorStage      string
}

func newRequestMetrics(ctx context.Context, logger *log.Logger, route string) (*requestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, requestSpanName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("http.route", route)),
	)
	return &requestMetrics{
		logger: logger,
		route:  route,
		span:   span,
		start:  time.Now(),
	}, spanCtx
}

func (m *requestMetrics) ObserveAuth(duration time.Duration) {
	if duration > 0 {
		m.authDuration = duration
	}
}

func (m *requestMetrics) ObserveStore(duration time.Duration) {
	if duration > 0 {
		m.storeDuration = duration
	}
}

func (m *requestMetrics) ObserveEncode(duration time.Duration) {
	if duration > 0 {
		m.encodeDuration = duration
	}
}

func (m *requestMetrics) SetVersionProvided(provided bool) {
	m.versionProvided = provided
}

func (m *requestMetrics) SetConflict(conflict bool) {
	m.conflict = conflict
}

func (m *requestMetrics) SetTasksReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
}

func (m *requestMetrics) SetErrorStage(stage string) {
	if stage != "" {
		m.errorStage = stage
	}
}

// Log finishes the span and emits the observability event. Call it exactly
// once, after the response is written.
func (m *requestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	totalMs := durationToMillis(time.Since(m.start))
	attrs := map[string]any{
		"http.route":             m.route,
		"board.total_ms":         totalMs,
		"board.version_provided": m.versionProvided,
		"board.conflict":         m.conflict,
		"board.tasks_returned":   m.tasksReturned,
	}
	spanAttrs := []attribute.KeyValue{
		attribute.Int("http.status_code", status),
		attribute.Float64("board.total_ms", totalMs),
		attribute.Bool("board.version_provided", m.versionProvided),
		attribute.Bool("board.conflict", m.conflict),
		attribute.Int("board.tasks_returned", m.tasksReturned),
	}
	if m.authDuration > 0 {
		attrs["board.auth_ms"] = durationToMillis(m.authDuration)
		spanAttrs = append(spanAttrs, attribute.Float64("board.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.storeDuration > 0 {
		attrs["board.store_ms"] = durationToMillis(m.storeDuration)
		spanAttrs = append(spanAttrs, attribute.Float64("board.store_ms", durationToMillis(m.storeDuration)))
	}
	if m.encodeDuration > 0 {
		attrs["board.encode_ms"] = durationToMillis(m.encodeDuration)
		spanAttrs = append(spanAttrs, attribute.Float64("board.encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs["board.error_stage"] = m.errorStage
		spanAttrs = append(spanAttrs, attribute.String("board.error_stage", m.errorStage))
	}

	if m.span != nil {
		m.span.SetAttributes(spanAttrs...)
		m.span.AddEvent("observability.event")
		if err != nil || m.errorStage != "" {
			m.span.SetStatus(codes.Error, m.errorStage)
			if err != nil {
				m.span.RecordError(err)
			}
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}
	severityText, severityNumber := "INFO", 9
	if err != nil || m.errorStage != "" {
		severityText, severityNumber = "ERROR", 17
	}
	fields := log.Fields{
		"event.name":      requestEventName,
		"event.domain":    eventDomain,
		"status":          status,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
	}
	if m.span != nil {
		if sc := m.span.SpanContext(); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
			fields["span_id"] = sc.SpanID().String()
		}
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	m.logger.WithFields(fields).Info("observability.event")
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
