// Package api hosts the operator HTTP interface. Notable routes:
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
//   - GET /v1/schedule for the market calendar evaluation.
//   - /v1/crawl for the ad-hoc crawl queue.
//   - /v1/orchestrator and POST /v1/analysis for accumulated state.
//   - /v1/cycles for triggering and inspecting crawl cycles.
package api
