// Package services holds the data services every execution context binds: the
// read-only configuration lookup and the result accumulator a trigger resolves with.
package services

import (
	"fmt"
	"maps"
	"strconv"
	"time"
)

// Config is a read-only lookup over the configuration passed to CreateContext.
type Config struct {
	data map[string]any
}

// NewConfig copies data into a Config. A nil map yields an empty Config.
func NewConfig(data map[string]any) *Config {
	return &Config{data: maps.Clone(data)}
}

// Get returns the raw value for key.
func (c *Config) Get(key string) (any, bool) {
	if c == nil || c.data == nil {
		return nil, false
	}
	value, ok := c.data[key]
	return value, ok
}

// String returns key as a string, or fallback when missing.
func (c *Config) String(key, fallback string) string {
	value, ok := c.Get(key)
	if !ok || value == nil {
		return fallback
	}
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

// Int returns key as an int, or fallback when missing or not numeric.
func (c *Config) Int(key string, fallback int) int {
	value, ok := c.Get(key)
	if !ok {
		return fallback
	}
	switch v := value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Bool returns key as a bool, or fallback when missing or not a boolean.
func (c *Config) Bool(key string, fallback bool) bool {
	value, ok := c.Get(key)
	if !ok {
		return fallback
	}
	switch v := value.(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// Duration returns key as a duration. Strings use time.ParseDuration, numbers are
// milliseconds.
func (c *Config) Duration(key string, fallback time.Duration) time.Duration {
	value, ok := c.Get(key)
	if !ok {
		return fallback
	}
	switch v := value.(type) {
	case time.Duration:
		return v
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Millisecond
	case float64:
		return time.Duration(v * float64(time.Millisecond))
	}
	return fallback
}

// All returns a copy of the configuration.
func (c *Config) All() map[string]any {
	if c == nil {
		return map[string]any{}
	}
	out := maps.Clone(c.data)
	if out == nil {
		out = map[string]any{}
	}
	return out
}
