// Package render converts Markdown to HTML.
//
// GitHub posts to the GitHub Markdown API (/markdown as JSON, or
// /markdown/raw as text), optionally with basic auth, and patches task lists
// and heading anchors in the result. Offline renders in-process with
// goldmark and needs no network.
//
// New picks one from config.RenderConfig.
package render
