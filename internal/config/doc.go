// Package config handles configuration loading for sandboxd.
//
// # Configuration File
//
// Locations (first match wins):
//
//  1. Path from SANDBOXD_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/sandboxd/config.yaml
//  3. ~/.config/sandboxd/config.yaml
//
// A missing file is not an error for LoadOrDefault; Default values apply.
// Values present in the file override the defaults field by field.
//
// # Environment Variable Expansion
//
//	provider:
//	  openrouter_api_key: "${OPENROUTER_API_KEY}"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"     # relay WebSocket and health endpoints
//
//	instances:
//	  worker_command: ["node", "/opt/core/core.js"]
//	  bridge_command: ["/opt/core/bin/host-bridge"]
//	  workspace_root: "/srv/sandboxd/workspaces"
//	  data_root: "/srv/sandboxd/data"
//	  bridge_ready_timeout: "30s"
//	  bridge_ready_interval: "500ms"
//	  worker_ready_timeout: "60s"
//	  worker_ready_interval: "1s"
//	  health_check_timeout: "2s"
//	  start_attempts: 2
//	  idle_timeout: "0s"                # 0 disables the idle reaper
//
//	terminal:
//	  shell: "/bin/bash"
//	  grace_period: "2s"
//	  buffer_chunks: 1000
//
//	shutdown:
//	  timeout: "30s"
//
//	database:
//	  path: "/var/lib/sandboxd/ledger.db"   # empty disables the ledger
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
