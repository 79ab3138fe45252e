// Package logging provides structured logging for the Insteon bridge.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the daemon and CLI.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	engine := plm.NewEngine(plm.EngineOptions{Logger: logger.Component("plm")})
//
// Device addresses are logged in their dotted form under the "device" key.
package logging
