package traversal

import (
	"fmt"
	"strings"
)

// Mode selects how many pages are loaded per batch.
type Mode string

const (
	Conservative Mode = "conservative"
	Balanced     Mode = "balanced"
	Aggressive   Mode = "aggressive"
)

var modeAliases = map[string]Mode{
	"conservative": Conservative,
	"safe":         Conservative,
	"balanced":     Balanced,
	"auto":         Balanced,
	"aggressive":   Aggressive,
	"fast":         Aggressive,
}

// ParseMode accepts a mode name or one of its aliases (safe, auto, fast).
func ParseMode(s string) (Mode, error) {
	if s == "" {
		return Balanced, nil
	}
	m, ok := modeAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown performance mode %q", s)
	}
	return m, nil
}

// BatchSize returns the number of pages loaded together in this mode.
func (m Mode) BatchSize() int {
	switch m {
	case Conservative:
		return 1
	case Aggressive:
		return 5
	default:
		return 3
	}
}
