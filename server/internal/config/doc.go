// Package config loads the mdpreview-server settings.
//
// Sources, lowest precedence first:
//   - built-in defaults (localhost:6419, github renderer, refresh on /ws and
//     /topic/refresh, 64 MiB render cache)
//   - ~/.mdpreview/settings.yaml, or the file named by --settings
//   - MDPREVIEW_* environment variables (MDPREVIEW_SERVER_PORT,
//     MDPREVIEW_RENDER_MODE, MDPREVIEW_REFRESH_ENABLED, ...)
//   - command-line flags, applied by the caller before Validate
//
// Secrets are never read from the file: Render.PasswordEnv and
// Server.Auth.KeyEnv name environment variables instead.
//
// ParseAddress and LooksLikeAddress implement the [host:]port positional
// argument accepted by the server command.
package config
