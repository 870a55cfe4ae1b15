package runbook

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseOffset parses a T-relative lead time (T-0, T-30s, T-15m, T-2h, T-1d)
// into whole minutes. Second-granularity offsets round up to the next minute.
func ParseOffset(s string) (int, error) {
	raw := strings.TrimSpace(s)
	if !strings.HasPrefix(raw, "T-") {
		return 0, fmt.Errorf("invalid offset %q: must start with T-", s)
	}
	body := raw[2:]
	if body == "0" {
		return 0, nil
	}
	n, unit, err := splitDuration(body)
	if err != nil {
		return 0, fmt.Errorf("invalid offset %q: %w", s, err)
	}
	switch unit {
	case 's':
		return (n + 59) / 60, nil
	case 'm':
		return n, nil
	case 'h':
		return n * 60, nil
	case 'd':
		return n * 24 * 60, nil
	}
	return 0, fmt.Errorf("invalid offset %q: unknown unit %q", s, string(unit))
}

// ParseDurationSec parses poll/retry interval strings (30s, 5m, 1h, 1d, 0)
// into seconds.
func ParseDurationSec(s string) (int, error) {
	raw := strings.TrimSpace(s)
	if raw == "0" {
		return 0, nil
	}
	n, unit, err := splitDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	switch unit {
	case 's':
		return n, nil
	case 'm':
		return n * 60, nil
	case 'h':
		return n * 3600, nil
	case 'd':
		return n * 86400, nil
	}
	return 0, fmt.Errorf("invalid duration %q: unknown unit %q", s, string(unit))
}

func splitDuration(body string) (int, byte, error) {
	if len(body) < 2 {
		return 0, 0, fmt.Errorf("too short")
	}
	unit := body[len(body)-1]
	numPart := body[:len(body)-1]
	n, err := strconv.Atoi(numPart)
	if err != nil {
		return 0, 0, fmt.Errorf("bad magnitude %q", numPart)
	}
	if n < 0 {
		return 0, 0, fmt.Errorf("negative magnitude %d", n)
	}
	switch unit {
	case 's', 'm', 'h', 'd':
		return n, unit, nil
	}
	return 0, 0, fmt.Errorf("unknown unit %q", string(unit))
}
