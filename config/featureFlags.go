package config

import (
	"os"
	"strings"
)

// DisableVarianceAlerts turns off queuing of variance-alert outbox rows.
// Useful for bulk backfills where alert noise is unwanted.
//
// Set via env:
// - DISABLE_VARIANCE_ALERTS=true
func DisableVarianceAlerts() bool {
	return boolFromEnv("DISABLE_VARIANCE_ALERTS")
}

// DisableAggregateCache forces aggregate variance to always be computed from
// the database, bypassing the Redis rollup cache.
//
// Set via env:
// - DISABLE_AGGREGATE_CACHE=true
func DisableAggregateCache() bool {
	return boolFromEnv("DISABLE_AGGREGATE_CACHE")
}

func boolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
