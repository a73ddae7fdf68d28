// Package config provides 12-factor configuration management for the
// surveytrace agent.
//
// Configuration is loaded from environment variables with sensible
// defaults. CLI flags can override environment variables for
// development flexibility.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host)
//   - Collector: remote collector endpoint, batching, and transport
//   - Survey: survey host pattern (never logged)
//   - Classifier: dedup TTL and focus throttle windows
//   - Enrich: page enrichment retry budget
//   - Session: keep-alive heartbeat interval
//   - Storage: durable state directory
//   - Logging: log level and output format
//   - RateLimit: per-IP rate limiting configuration
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Agent running on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST, COLLECTOR_URL, COLLECTOR_TOKEN, COLLECTOR_BATCH_SIZE
//   - SURVEY_HOST_PATTERN, NAV_DEDUP_TTL, NAV_FOCUS_THROTTLE
//   - ENRICH_ATTEMPTS, ENRICH_DELAY, ENRICH_TIMEOUT, ENRICH_ENABLED
//   - SESSION_HEARTBEAT_INTERVAL, STORAGE_DIR
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
package config
