// Package config handles configuration loading for studio-chat.
//
// # Configuration File
//
// Default location (first match):
//
//  1. Path from the STUDIO_CHAT_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/studio-chat/config.yaml
//  3. ~/.config/studio-chat/config.yaml
//
// Files ending in .toml are read as TOML; anything else as YAML. The
// command loads a .env file from the working directory first, so its values
// can be referenced below; variables already set in the environment win.
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${STUDIO_CHAT_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax ("250ms", "4s", "10m").
// Negative durations are rejected.
//
// # Sections
//
//	server:    http_addr, shutdown_timeout
//	database:  path
//	auth:      jwt_secret, issuer, disabled
//	delivery:  queue_size, page_size, echo_suppression, write_timeout, ping_interval
//	typing:    default_ttl, max_ttl, sweep_interval
//	dedupe:    ttl, max_entries
//	booking:   base_url, timeout
//	messages:  max_body_runes, page_size, write_timeout
//	logging:   level (debug|info|warn|error), format (text|json)
//	metrics:   enabled, path
//
// Every value has a default except auth.jwt_secret, which is required
// unless auth.disabled is set.
package config
