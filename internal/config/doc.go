// Package config loads, normalizes, and validates the TOML configuration
// that drives shotline runs.
package config
