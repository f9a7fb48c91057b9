// Package progress carries crawl-cycle progress events from the cycle runner
// to pluggable sinks (logs, Prometheus, the cycle run store) through a
// non-blocking batching hub.
package progress
