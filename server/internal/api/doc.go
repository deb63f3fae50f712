// Package api implements the HTTP surface of mdpreview-server.
//
// New(opts) returns a Handler (a chi router) that serves:
//
//	GET /                                 — the root document, rendered
//	GET /*                                — a document or asset below the root
//	GET /__/mdpreview/static/live-preview.js — the embedded refresh client
//	GET /api/v1/health                    — what is served, sessions, cache counters
//	GET /metrics                          — Prometheus text exposition
//	    /ws (refresh.endpoint)            — the STOMP refresh broker
//
// Document routes:
//   - A subpath that normalizes differently (a directory without its
//     trailing slash) is redirected with 302
//   - Binary files are written unchanged with their MIME type
//   - Markdown is rendered through the configured Renderer and cached by
//     file name and modification time
//   - Missing documents get an HTML 404; a GitHub rate limit gets a 403
//     page; other upstream failures a 502
//
// /api/ and /metrics sit behind the API key middleware from package auth.
// Every response is counted by status code when Metrics is set.
//
// Export renders the same page without the refresh script, for writing a
// standalone HTML file.
package api
