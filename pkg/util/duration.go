package util

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseAge parses the registry's age notation: a number of seconds, or a number suffixed with
// d (days), h (hours) or M (minutes).
func ParseAge(val string) (time.Duration, error) {
	val = strings.TrimSpace(val)
	if val == "" {
		return 0, fmt.Errorf("empty age")
	}
	unit := time.Second
	switch val[len(val)-1] {
	case 'd':
		unit = 24 * time.Hour
	case 'h':
		unit = time.Hour
	case 'M':
		unit = time.Minute
	}
	if unit != time.Second {
		val = val[:len(val)-1]
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid age %q: %w", val, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("age cannot be negative")
	}
	return time.Duration(n) * unit, nil
}
