// Package logging provides structured logging for the presence engine.
//
// This package wraps go.uber.org/zap to provide consistent, structured
// logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Console output for development (human-readable)
//   - Default fields (service, version, hostname) on all log entries
//   - Level-based filtering (debug, info, warn, error)
//   - Thread-safe for concurrent use
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, console
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("sighting applied", "device_id", id, "new_status", status)
//	logger.Error("persist failed", "error", err)
//
// Never log certificate material, passwords or tokens.
package logging
