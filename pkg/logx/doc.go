// Package logx is msgrouter's structured logging, a thin layer over zerolog.
//
// Console output is human readable with a short caller; file output is JSON.
// Service.Apply swaps sinks and level at runtime without recreating loggers.
// Records carry a "comp" field naming the subsystem (Logger.Component), and
// the router's identifiers use the shared keys "provider", "message_id" and
// "trigger" so one grep follows a message across components.
package logx
