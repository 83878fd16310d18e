// Package config handles configuration loading for orbit-backend.
//
// # Configuration File
//
// The path comes from the ORBIT_CONFIG environment variable, falling back to
// $XDG_CONFIG_HOME/orbit/config.yaml. Files with a .toml extension are parsed
// as TOML; anything else is parsed as YAML.
//
// # Environment Variables
//
// Values can reference environment variables:
//
//	llm:
//	  api_key: "${ANTHROPIC_API_KEY}"
//
// After decoding, ORBIT_* variables override individual fields, for example
// ORBIT_HTTP_ADDR, ORBIT_DB_PATH, ORBIT_N8N_BASE_URL and ORBIT_LOG_LEVEL.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	workflows:
//	  timeout: "30s"
//	  backoff_base: "2s"
//	  backoff_max: "10s"
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	database:
//	  path: "~/.local/share/orbit/orbit.db"
//	llm:
//	  provider: "anthropic"
//	  api_key: "${ANTHROPIC_API_KEY}"
//	orchestrator:
//	  history_window: 20
//	  max_rounds: 5
//	workflows:
//	  base_url: "https://n8n.example.com"
//	  api_key: "${N8N_API_KEY}"
//	  max_retries: 3
package config
