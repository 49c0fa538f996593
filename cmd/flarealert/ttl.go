package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// parseTTL parses token lifetimes: Go durations plus day (30d) and week
// (2w) suffixes. Zero and negative lifetimes are rejected.
func parseTTL(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, fmt.Errorf("ttl required")
	}

	unit := time.Duration(0)
	switch {
	case strings.HasSuffix(raw, "d"):
		unit = 24 * time.Hour
	case strings.HasSuffix(raw, "w"):
		unit = 7 * 24 * time.Hour
	}

	var d time.Duration
	if unit > 0 {
		n, err := strconv.ParseFloat(raw[:len(raw)-1], 64)
		if err != nil {
			return 0, fmt.Errorf("invalid ttl %q", raw)
		}
		d = time.Duration(n * float64(unit))
	} else {
		var err error
		if d, err = time.ParseDuration(raw); err != nil {
			return 0, fmt.Errorf("invalid ttl %q: %w", raw, err)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("ttl must be positive")
	}
	return d, nil
}
