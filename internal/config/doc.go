// Package config handles configuration loading for coven-threads.
//
// # Configuration File
//
// Default location (first match):
//
//  1. Path from the COVEN_THREADS_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/coven/threads.yaml
//  3. ~/.config/coven/threads.yaml
//
// A missing file at the default location yields Default(). Files ending in
// .toml are parsed as TOML, everything else as YAML. Values in the file are
// layered over Default(), except lists, which replace the default list.
//
// # Environment Variables
//
// A .env file next to the config file (or in the working directory) is
// loaded before parsing. Values can then reference the environment:
//
//	store:
//	  remote:
//	    enabled: true
//	    dsn: "${COVEN_THREADS_DSN}"
//
// # Duration Parsing
//
// Durations use time.ParseDuration syntax:
//
//	health:
//	  interval: "30s"
//	  timeout: "2500ms"
//
// # Example
//
//	server:
//	  http_addr: "127.0.0.1:8090"
//	store:
//	  local:
//	    backend: sqlite
//	    path: ~/.local/share/coven/threads.db
//	agents:
//	  default_agent: service-validation
//	  definitions:
//	    - id: service-validation
//	      name: Service Validation
//	      strategy: stream
//	      stream_url: ws://localhost:8082/ws
//	      invocation_url: http://localhost:8082/invocations
//	logging:
//	  level: info
//	  format: text
package config
