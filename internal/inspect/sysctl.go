package inspect

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoValue is returned when sysctl output does not contain the key.
var ErrNoValue = errors.New("no sysctl value")

// ParseSysctlBool parses the output of "sysctl key" or "sysctl -n key".
// Accepted lines are "1", "key = 1" and "key=1". Lines for other keys are
// skipped.
func ParseSysctlBool(output, key string) (bool, error) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		value := line
		if name, v, ok := strings.Cut(line, "="); ok {
			if strings.TrimSpace(name) != key {
				continue
			}
			value = strings.TrimSpace(v)
		}

		switch value {
		case "1":
			return true, nil
		case "0":
			return false, nil
		default:
			return false, fmt.Errorf("%s: unexpected value %q", key, value)
		}
	}
	return false, fmt.Errorf("%s: %w", key, ErrNoValue)
}
