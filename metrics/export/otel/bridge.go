package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/metric"

	gatehouse "github.com/innkeepr/gatehouse"
)

// instrumentPrefix namespaces every exported counter.
const instrumentPrefix = "gatehouse."

// SnapshotSource is the part of the engine the bridge reads. *Engine
// satisfies it.
type SnapshotSource interface {
	MetricsSnapshot() gatehouse.MetricsSnapshot
}

// Bridge owns the registered instruments. Unregister detaches it.
type Bridge struct {
	registration metric.Registration
}

// Register creates one observable counter per engine metric on meter and
// reports snapshot values on every collection cycle.
func Register(meter metric.Meter, source SnapshotSource) (*Bridge, error) {
	counters := make(map[gatehouse.MetricID]metric.Int64ObservableCounter, gatehouse.MetricIDCount)
	observables := make([]metric.Observable, 0, gatehouse.MetricIDCount)

	for i := 0; i < gatehouse.MetricIDCount; i++ {
		id := gatehouse.MetricID(i)
		if id == gatehouse.MetricAdmitLatency {
			// Histogram; counters only cross this bridge.
			continue
		}
		c, err := meter.Int64ObservableCounter(
			instrumentPrefix+id.String(),
			metric.WithDescription("gatehouse admission counter "+id.String()),
		)
		if err != nil {
			return nil, fmt.Errorf("creating counter %s: %w", id, err)
		}
		counters[id] = c
		observables = append(observables, c)
	}

	reg, err := meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		snapshot := source.MetricsSnapshot()
		for id, c := range counters {
			observer.ObserveInt64(c, int64(snapshot.Counters[id]))
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, fmt.Errorf("registering metrics callback: %w", err)
	}

	return &Bridge{registration: reg}, nil
}

// Unregister stops the bridge's collection callback.
func (b *Bridge) Unregister() error {
	if b == nil || b.registration == nil {
		return nil
	}
	return b.registration.Unregister()
}
