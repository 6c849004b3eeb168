package config

import (
	"github.com/pkg/errors"
	"strconv"
	"strings"
)

// Settings holds "key=value" overrides given by the user, e.g. "learning_rate=0.01,lambda=0.5".
type Settings map[string]string

// ParseSettings splits a comma separated list of "key=value" pairs.
// A key without "=" maps to an empty value, which boolean settings read as true.
func ParseSettings(s string) Settings {
	settings := make(Settings)
	s = strings.TrimSpace(s)
	if s == "" {
		return settings
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		settings[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return settings
}

// Pop is like Get, but it also deletes the key from the settings, so unused keys can be reported.
func Pop[T interface {
	bool | int | int64 | float64 | string
}](settings Settings, key string, defaultValue T) (T, error) {
	value, err := Get(settings, key, defaultValue)
	if err != nil {
		return value, err
	}
	delete(settings, key)
	return value, nil
}

// Get parses the value of key to the type of defaultValue, or returns defaultValue if key is not set.
func Get[T interface {
	bool | int | int64 | float64 | string
}](settings Settings, key string, defaultValue T) (T, error) {
	value, exists := settings[key]
	if !exists {
		return defaultValue, nil
	}
	var parsed any
	var err error
	switch any(defaultValue).(type) {
	case string:
		parsed = value
	case int:
		parsed, err = strconv.Atoi(value)
	case int64:
		parsed, err = strconv.ParseInt(value, 10, 64)
	case float64:
		parsed, err = strconv.ParseFloat(value, 64)
	case bool:
		switch strings.ToLower(value) {
		case "", "true", "1":
			parsed = true
		case "false", "0":
			parsed = false
		default:
			err = errors.New("not a boolean")
		}
	}
	if err != nil {
		return defaultValue, errors.Wrapf(err, "failed to parse setting %s=%q as %T", key, value, defaultValue)
	}
	return parsed.(T), nil
}
