// Package config loads service configuration from an optional YAML file and
// CLINICACCESS_* environment variables. Environment values win over the file,
// and the file wins over the defaults.
//
// Server settings:
//
//	CLINICACCESS_HOST="0.0.0.0"
//	CLINICACCESS_PORT="8080"
//	CLINICACCESS_HEALTH_PORT="9090"
//	CLINICACCESS_READ_TIMEOUT="15s"
//
// Storage settings:
//
//	CLINICACCESS_DB_DRIVER="postgres"  # postgres, sqlite3
//	CLINICACCESS_DB_URL="postgres://localhost/clinicaccess?sslmode=disable"
//	CLINICACCESS_REDIS_URL="redis://localhost:6379/0"  # optional
//
// Cache, sessions and limits:
//
//	CLINICACCESS_CACHE_SIZE="4096"
//	CLINICACCESS_CACHE_TTL="5m"
//	CLINICACCESS_SESSION_IDLE_TIMEOUT="30m"
//	CLINICACCESS_SESSION_SWEEP_SCHEDULE="@every 1m"
//	CLINICACCESS_RATE_LIMIT_REQUESTS="120"
//
// Observability settings:
//
//	CLINICACCESS_LOG_LEVEL="info"  # debug, info, warn, error
//	CLINICACCESS_OTEL_ENABLED="true"
//	CLINICACCESS_OTEL_ENDPOINT="otel-collector:4317"
//
// The file is named by CLINICACCESS_CONFIG_FILE and uses the yaml tags of Config:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
package config
