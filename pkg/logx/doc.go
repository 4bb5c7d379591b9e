// Package logx configures signalblast's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured, with size-based rotation
//   - An optional notify sink that forwards warnings to a chat recipient (min-level + rate limiting)
package logx
