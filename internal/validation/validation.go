// Package validation provides centralized input validation for sensorcache.
package validation

import (
	"fmt"
	"math"
	"strings"
	"time"
	"unicode"

	"github.com/xtxerr/sensorcache/internal/errors"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for field names.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowColons  bool
}

// DefaultNameRules returns the rules for field names. Dots and colons are
// allowed so logger-qualified names such as "s330.GPSLat" or "gyro:Heading"
// pass.
func DefaultNameRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    255,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowColons:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if name == "." || name == ".." {
		return fmt.Errorf("name cannot be '.' or '..'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	case ':':
		return rules.AllowColons
	}
	return false
}

// ValidateFieldName validates a field name with the default rules. The
// returned error wraps errors.ErrInvalidFieldName.
func ValidateFieldName(name string) error {
	if err := ValidateName(name, DefaultNameRules()); err != nil {
		return errors.NewMalformed(errors.ErrInvalidFieldName, "field %q: %v", name, err)
	}
	return nil
}

// =============================================================================
// Request Validation
// =============================================================================

// ValidateFieldNames validates every name and rejects an empty list.
func ValidateFieldNames(names []string) error {
	if len(names) == 0 {
		return errors.NewMalformed(errors.ErrInvalidRequest, "no fields requested")
	}
	var errs []error
	for _, name := range names {
		if err := ValidateFieldName(name); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ValidateWindow checks a [start, end] query window. An end of zero means
// unbounded.
func ValidateWindow(start, end float64) error {
	if math.IsNaN(start) || math.IsInf(start, 0) || math.IsNaN(end) || math.IsInf(end, 0) {
		return errors.NewMalformed(errors.ErrInvalidRequest, "window bounds must be finite")
	}
	if end != 0 && end < start {
		return errors.NewMalformed(errors.ErrInvalidRequest, "window end %v before start %v", end, start)
	}
	return nil
}

// MaxInterval is the longest poll interval in seconds that still fits a
// time.Duration.
const MaxInterval = float64(math.MaxInt64/int64(time.Second) - 1)

// ClampInterval bounds a client-declared poll interval in seconds. Non-finite
// or non-positive values fall back to def; values below min are raised to min
// and values above MaxInterval are lowered to it.
func ClampInterval(interval, def, min float64) float64 {
	if math.IsNaN(interval) || math.IsInf(interval, 0) || interval <= 0 {
		interval = def
	}
	if interval < min {
		interval = min
	}
	if interval > MaxInterval {
		interval = MaxInterval
	}
	return interval
}

// NormalizeFieldList trims names and drops empty and duplicate entries,
// keeping first-seen order.
func NormalizeFieldList(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
