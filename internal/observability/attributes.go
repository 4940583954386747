// Package observability provides metrics and attribute utilities.
package observability

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Attribute keys
const (
	attrOp        = "op"
	attrKind      = "kind"
	attrMatched   = "matched"
	attrDirection = "direction"
)

// Callback kinds recorded under the "kind" attribute.
const (
	CallbackAdmitted  = "admitted"
	CallbackEndpoints = "endpoints"
)

func opAttr(op string) attribute.KeyValue {
	return attribute.String(attrOp, op)
}

func kindAttr(kind string) attribute.KeyValue {
	return attribute.String(attrKind, kind)
}

func matchedAttr(matched bool) attribute.KeyValue {
	return attribute.Bool(attrMatched, matched)
}

func directionAttr(direction string) attribute.KeyValue {
	return attribute.String(attrDirection, direction)
}

// WithOp returns a metric option with the op attribute.
func WithOp(op string) metric.MeasurementOption {
	return metric.WithAttributes(opAttr(op))
}

// WithKind returns a metric option with the kind attribute.
func WithKind(kind string) metric.MeasurementOption {
	return metric.WithAttributes(kindAttr(kind))
}
