// Package logging builds the slog loggers used across the copilot daemon and
// CLI.
//
// It provides a human-oriented console handler and a machine-oriented JSON
// handler, standardized field names for session/stage/role context, context
// helpers that thread those fields through stage execution, and a no-op
// logger for tests.
package logging
