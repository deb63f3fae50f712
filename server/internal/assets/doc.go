// Package assets finds the stylesheets GitHub uses for rendered READMEs,
// caches them (and the fonts they reference) on disk, and supplies them to
// pages either as links to the cached copies or inlined for export.
package assets
