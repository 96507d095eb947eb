package observability

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func httpAttributes(method, path string, status int) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("path", path),
		attribute.String("status", strconv.Itoa(status)),
	)
}

func statusAttribute(status string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("status", status))
}
