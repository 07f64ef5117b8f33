// Package logx wraps zerolog behind a small Logger value that stays live
// across runtime config changes.
//
// The Service owns the sinks (console, file, optional rate-limited alert
// sender) and can swap them atomically via Apply(). Loggers handed out by the
// Service keep writing to whatever the current root is, so components never
// need to be re-wired after a config reload.
package logx
