// Package config loads, normalizes, and validates copilot configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks such as
// COPILOT_LLM_API_KEY. The Config type centralizes every knob the daemon and
// CLI need: data/log directories, workflow retry and timeout budgets,
// supervisor thresholds, and LLM connection settings.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
