// Package action provides the reload actions the agent runs when a refresh
// signal arrives: log, exec (run a command) and webhook (POST JSON).
// Switch lets the agent swap the action on config reload without
// reconnecting.
package action
