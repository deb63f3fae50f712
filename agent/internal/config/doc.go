// Package config loads and watches the agent configuration file (agent.yaml).
//
// Top-level types:
//   - Config{ServerURL, Action, Log}: full config tree parsed from YAML
//   - ActionConfig: type (log|exec|webhook), command, url_env, timeout;
//     URL() resolves the webhook URL from the environment
//   - LogConfig: level, mapped to slog by SlogLevel()
//
// Load(path) reads the YAML file, applies defaults (http://localhost:6419,
// log action, 10s timeout), overlays MDPREVIEW_AGENT_* environment variables,
// then validates required fields and enums. Default() does the same without
// a file.
//
// Watch(ctx, path, onChange) uses fsnotify on the file's directory and calls
// onChange with the newly parsed Config, so rename-then-create saves from
// editors such as vim and VS Code are picked up.
package config
