package core

import (
	"context"
	"fmt"
	"strings"
)

const metricsPrefix = "multichain."

// metricTagKeys are the log fields copied onto metric tags. Request ids and
// identities stay in logs only.
var metricTagKeys = []string{"method", "kind", "error_kind"}

// NopMetricsRecorder discards every sample. Each observed operation reports
// multichain.<operation>.total and multichain.<operation>.duration_ms,
// tagged with operation and status plus the wallet method, transport kind
// and error kind when known.
type NopMetricsRecorder struct{}

func (NopMetricsRecorder) IncCounter(context.Context, string, int64, map[string]string) {}

func (NopMetricsRecorder) ObserveHistogram(context.Context, string, float64, map[string]string) {}

func counterName(operation string) string {
	return metricsPrefix + operation + ".total"
}

func durationName(operation string) string {
	return metricsPrefix + operation + ".duration_ms"
}

func operationTags(operation string, status string, fields map[string]any) map[string]string {
	tags := map[string]string{
		"operation": operation,
		"status":    status,
	}
	for _, key := range metricTagKeys {
		value, ok := fields[key]
		if !ok || value == nil {
			continue
		}
		if text := strings.TrimSpace(fmt.Sprint(value)); text != "" {
			tags[key] = text
		}
	}
	return tags
}

func cloneTags(tags map[string]string) map[string]string {
	if len(tags) == 0 {
		return map[string]string{}
	}
	copied := make(map[string]string, len(tags))
	for key, value := range tags {
		copied[key] = value
	}
	return copied
}

var _ MetricsRecorder = NopMetricsRecorder{}
