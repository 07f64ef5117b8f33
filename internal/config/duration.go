package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration from config, e.g. "60s" or "1h30m".
// An empty or whitespace-only value yields 0, letting callers substitute
// their own default. Negative durations are rejected; path names the field
// in the error so reload failures point at the offending key.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def substituted for
// unset (or zero) values. Windows and timeouts in this service are never
// legitimately zero, so 0 means "use the built-in default".
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}
