// Package metrics exposes mdpreview-server counters at /metrics in the
// Prometheus text format. Values live in atomics or are read through
// callbacks at scrape time; each scrape builds client_model metric families
// and encodes them with expfmt.
package metrics
