package util

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// BoolEnv parses a boolean environment variable, accepting true/1/yes/on and
// false/0/no/off. Invalid or empty values return def.
func BoolEnv(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	slog.Warn("util.BoolEnv: invalid boolean, using default", "key", key, "value", val, "default", def)
	return def
}

// IntEnv parses an integer environment variable, returning def when unset or invalid.
func IntEnv(key string, def int) int {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("util.IntEnv: invalid integer, using default", "key", key, "value", val, "default", def)
		return def
	}
	return n
}

// DurationEnv parses a time.Duration environment variable, returning def when unset or invalid.
func DurationEnv(key string, def time.Duration) time.Duration {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		slog.Warn("util.DurationEnv: invalid duration, using default", "key", key, "value", val, "default", def)
		return def
	}
	return d
}
