// Package config handles configuration loading for coven-relay.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path given with -config
//  2. Path from COVEN_RELAY_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/relay.yaml (or ~/.config/coven/relay.yaml)
//
// Files ending in .toml are decoded as TOML; anything else is YAML. A .env
// file next to the process is loaded into the environment first.
//
// # Environment Variable Expansion
//
//	matrix:
//	  access_token: "${COVEN_RELAY_MATRIX_TOKEN}"
//
// Unset variables expand to the empty string.
//
// # Example
//
//	matrix:
//	  homeserver: "https://matrix.example.org"
//	  user_id: "@support:example.org"
//	  access_token: "${COVEN_RELAY_MATRIX_TOKEN}"
//	  admin_room: "!agents:example.org"
//
//	relay:
//	  admins: ["@alice:example.org"]
//	  request_timeout: "30s"       # per outbound call
//	  message_interval: "0s"       # global send pacing, 0 = unlimited
//	  user_message_interval: "0s"  # per-user inbound throttle
//	  media_group_window: "1.5s"
//	  connection_pool_size: 100
//	  broadcast_concurrency: 8
//	  proxy_url: "${HTTPS_PROXY}"
//
//	database:
//	  path: "/var/lib/coven/relay.db"
//
//	http:
//	  addr: "127.0.0.1:8088"
//	  api_token: "${COVEN_RELAY_API_TOKEN}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Reloading
//
// The loaded file is published as a versioned Snapshot in a Holder. Reload
// (triggered by SIGHUP or the /reload admin command) re-reads the file and
// swaps the snapshot atomically; a failed reload keeps the previous one.
package config
