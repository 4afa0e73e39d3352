// Package telemetry provides semantic conventions for hub observability.
package telemetry

import (
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
)

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod).
	AttrEnvironment = attribute.Key("environment")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
)

var environment atomic.Value

// SetEnvironment records the deployment environment stamped onto metrics.
func SetEnvironment(env string) {
	environment.Store(env)
}

// Environment returns the recorded deployment environment.
func Environment() string {
	if v, ok := environment.Load().(string); ok {
		return v
	}
	return ""
}
