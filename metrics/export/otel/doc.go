// Package otel bridges the engine's in-process counters to OpenTelemetry.
//
// The engine's hot path writes plain atomics; this package registers one
// observable counter per metric id and reads a snapshot on each collection,
// so the instrumentation cost stays off the request path entirely.
package otel
