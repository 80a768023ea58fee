package config

import (
	"os"
	"strconv"
	"time"
)

// getEnvString returns the named environment variable, or def if unset.
func getEnvString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

// getEnvInt parses the named environment variable as a base-10 integer,
// falling back to def when unset, empty, or unparseable.
func getEnvInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// getEnvDuration parses the named environment variable with
// time.ParseDuration, falling back to def when unset, empty, or
// unparseable.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
