// Package api hosts the read-only operations server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/report for the tracker snapshot, /v1/report/text for the
//     human readable rendering and /v1/hosts/{host} for one host.
//   - GET /v1/batches and /v1/batches/{batch_id} for scheduler stats.
//   - GET /v1/workers for worker summaries and thread counts.
//   - GET /v1/progress for progress hub throughput.
package api
