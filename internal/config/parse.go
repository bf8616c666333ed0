package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment overrides applied after the file is decoded.
const (
	EnvLookbackDays = "DIGEST_LOOKBACK_DAYS"
	EnvOutDir       = "DIGEST_OUT_DIR"
	EnvTimezone     = "DIGEST_TIMEZONE"
)

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

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseLocation loads an IANA zone name. Empty means UTC.
func ParseLocation(path, name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%s: unknown timezone %q: %w", path, name, err)
	}
	return loc, nil
}

// ApplyEnv overlays DIGEST_* variables onto cfg. lookup is os.LookupEnv outside tests.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if v, ok := lookup(EnvOutDir); ok && strings.TrimSpace(v) != "" {
		cfg.Dispatch.OutDir = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvTimezone); ok && strings.TrimSpace(v) != "" {
		cfg.Dispatch.Timezone = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvLookbackDays); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: want a positive integer, got %q", EnvLookbackDays, v)
		}
		cfg.Dispatch.LookbackDays = n
	}
	return nil
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
