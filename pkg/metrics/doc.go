// Package metrics exposes Prometheus metrics for the orchestrator:
// phase durations and transitions, readiness-prober stage outcomes,
// remote-executor command durations, matrix-variant counters, reclaim
// duration and resources destroyed, and sampler scrape counts.
// Handler() serves them for scraping; Timer is the same
// start-now/observe-later helper used throughout the codebase for
// histogram instrumentation. GetHealth/GetReadiness/HealthHandler/
// ReadyHandler/LivenessHandler back the orchestrator's own process
// health endpoints, independent of the experiment it is driving.
package metrics
