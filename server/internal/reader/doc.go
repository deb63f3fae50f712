// Package reader locates and reads the documents mdpreview serves.
//
// Three implementations of Reader:
//   - Directory: a README file or directory tree on disk. Directory
//     subpaths resolve to their README (README, Readme, readme, Home with
//     .md or .markdown). Subpaths are joined safely and never escape the
//     root; anything unreadable is ErrNotFound.
//   - Text: one fixed document.
//   - Stdin: one document read lazily, once, from an io.Reader.
//
// Non-Markdown files with a non-text MIME type (images, PDFs) are binary and
// are served raw by the API rather than rendered.
package reader
