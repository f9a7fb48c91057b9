// Package sinks holds progress.Sink implementations for logs, Prometheus and
// the cycle run store.
package sinks
