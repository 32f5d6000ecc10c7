// Package logx is taskd's structured logging layer on top of zerolog.
//
// Loggers are cheap values. A Logger handed out by a Service follows every
// Service.Apply, so a config reload changes level and sinks of loggers that
// were derived long before. The engine stores the per-instance logger on the
// context task logic runs with; use FromContext to pick it up.
package logx
