// Package metrics standardises the metric names and tags emitted by the
// orchestration services.
package metrics

import (
	"time"

	"github.com/fakturenn/fakturenn/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// JobMetric captures one job lifecycle transition for emission.
type JobMetric struct {
	Transition string
	Result     string
	Duration   time.Duration
}

// EmitJobLifecycle emits standardised job lifecycle metrics.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}
	tags := map[string]string{
		"transition": in.Transition,
		"result":     in.Result,
	}
	sink.Count("job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.duration", in.Duration, tags)
	}
}

// EmitSourceOutcome counts one settled source extraction.
func EmitSourceOutcome(sink statsd.Sink, sourceType, result string) {
	if sink == nil {
		return
	}
	sink.Count("source.outcome", 1, map[string]string{
		"source_type": sourceType,
		"result":      result,
	})
}

// EmitExportOutcome counts one settled delivery attempt. Result noop marks
// duplicate suppression.
func EmitExportOutcome(sink statsd.Sink, exportType, result string) {
	if sink == nil {
		return
	}
	sink.Count("export.outcome", 1, map[string]string{
		"export_type": exportType,
		"result":      result,
	})
}
