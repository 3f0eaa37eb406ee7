// Package sinks contains event sinks: structured logs, Prometheus, Pub/Sub
// fan-out and the KB synchronizer trigger.
package sinks
