// Package logger provides the structured logging interface used across ccbt.
//
// It wraps zerolog behind a small Logger interface so that components such as
// the checkpoint manager and the checkpoint controller receive a logger
// explicitly and tests can swap in NewNopLogger or NewTestLogger.
//
//	log, err := logger.New(&cfg.Logging)
//	log.WithComponent("checkpoint").InfoWithFields("Checkpoint saved", map[string]interface{}{
//	    "info_hash": hash,
//	    "format":    "binary",
//	})
//
// Console output is the default; set Format to "json" for machine-readable
// output on stderr, or File to append JSON lines to a file.
package logger
