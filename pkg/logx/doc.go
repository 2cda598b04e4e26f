// Package logx configures taskd's structured logging.
//
// This repo uses a small wrapper (logx.Logger) on top of zerolog to keep:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//
// Loggers handed out by Service stay "live" across Apply() calls, so a
// config hot-reload changes levels and sinks without re-plumbing loggers.
package logx
