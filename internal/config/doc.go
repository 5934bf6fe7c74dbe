// Package config loads, normalizes, and validates dedupe configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, loads an optional .env file, and honours
// environment overrides such as DEDUPE_DATABASE_PATH. The Config type
// centralizes every knob the scanner, merge engine, and CLI need.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical method names, and clear validation errors.
package config
