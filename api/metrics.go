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
	tasksSpanName    = "api.tasks.request"
	tasksEventName   = "tasks.request.metrics"
	tasksEventDomain = "shopfloor"
	tracerName       = "shopfloor-api"
)

type taskRequestMetrics struct {
	logger            *log.Logger
	span              trace.Span
	start             time.Time
	authDuration      time.Duration
	fetchDuration     time.Duration
	encodeDuration    time.Duration
	pageTokenProvided bool
	tasksReturned     int
	hasNextPage       bool
	errorStage        string
}

// newTaskRequestMetrics opens the request span and returns the span
// context to thread through downstream calls.
func newTaskRequestMetrics(ctx context.Context, logger *log.Logger) (*taskRequestMetrics, context.Context) {
	spanCtx, span := otel.Tracer(tracerName).Start(ctx, tasksSpanName)
	m := &taskRequestMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
	}
	return m, spanCtx
}

func (m *taskRequestMetrics) ObserveAuth(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.authDuration = duration
}

func (m *taskRequestMetrics) ObserveFetch(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.fetchDuration = duration
}

func (m *taskRequestMetrics) ObserveEncode(duration time.Duration) {
	if duration <= 0 {
		return
	}
	m.encodeDuration = duration
}

func (m *taskRequestMetrics) SetPageTokenProvided(provided bool) {
	m.pageTokenProvided = provided
}

func (m *taskRequestMetrics) SetTasksReturned(count int) {
	if count < 0 {
		count = 0
	}
	m.tasksReturned = count
}

func (m *taskRequestMetrics) SetHasNextPage(hasNext bool) {
	m.hasNextPage = hasNext
}

func (m *taskRequestMetrics) SetErrorStage(stage string) {
	if stage == "" {
		return
	}
	m.errorStage = stage
}

// Log emits the observability event to the logger and the span, sets
// the span status, and ends the span.
func (m *taskRequestMetrics) Log(status int, err error) {
	if m == nil {
		return
	}

	totalMs := durationToMillis(time.Since(m.start))
	severityText, severityNumber := severityForStatus(status, err)

	attrs := []attribute.KeyValue{
		attribute.String("http.route", "/api/tasks"),
		attribute.Int("http.status_code", status),
		attribute.Float64("shopfloor.tasks.total_ms", totalMs),
		attribute.Bool("shopfloor.tasks.page_token_provided", m.pageTokenProvided),
		attribute.Int("shopfloor.tasks.tasks_returned", m.tasksReturned),
		attribute.Bool("shopfloor.tasks.has_next_page", m.hasNextPage),
	}
	if m.authDuration > 0 {
		attrs = append(attrs, attribute.Float64("shopfloor.tasks.auth_ms", durationToMillis(m.authDuration)))
	}
	if m.fetchDuration > 0 {
		attrs = append(attrs, attribute.Float64("shopfloor.tasks.fetch_ms", durationToMillis(m.fetchDuration)))
	}
	if m.encodeDuration > 0 {
		attrs = append(attrs, attribute.Float64("shopfloor.tasks.encode_ms", durationToMillis(m.encodeDuration)))
	}
	if m.errorStage != "" {
		attrs = append(attrs, attribute.String("shopfloor.tasks.error_stage", m.errorStage))
	}

	eventAttrs := append([]attribute.KeyValue{
		attribute.String("event.name", tasksEventName),
		attribute.String("event.domain", tasksEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("severity_number", severityNumber),
	}, attrs...)
	if err != nil {
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}

	if m.span != nil {
		m.span.SetAttributes(attrs...)
		m.span.AddEvent("observability.event", trace.WithAttributes(eventAttrs...))
		if severityText == "ERROR" {
			msg := http.StatusText(status)
			if err != nil {
				msg = err.Error()
			}
			m.span.SetStatus(codes.Error, msg)
		} else {
			m.span.SetStatus(codes.Ok, "")
		}
		m.span.End()
	}

	if m.logger == nil {
		return
	}

	attrMap := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		attrMap[string(kv.Key)] = kv.Value.AsInterface()
	}

	fields := log.Fields{
		"event.name":      tasksEventName,
		"event.domain":    tasksEventDomain,
		"attributes":      attrMap,
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

	entry := m.logger.WithFields(fields)
	switch severityText {
	case "ERROR":
		entry.Error("observability.event")
	case "WARN":
		entry.Warn("observability.event")
	default:
		entry.Info("observability.event")
	}
}

func severityForStatus(status int, err error) (string, int) {
	switch {
	case err != nil || status >= http.StatusInternalServerError:
		return "ERROR", 17
	case status >= http.StatusBadRequest:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
