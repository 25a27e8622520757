// Package logging provides structured logging for the Fossibot controller.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the application.
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
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting controller", "devices", 2)
//	orch.SetLogger(logger.Component("orchestrator"))
//
// # Security
//
// Never log account passwords or session tokens.
package logging
