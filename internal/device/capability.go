package device

import (
	"fmt"
	"strconv"
	"strings"
)

// Capability identifies the instruction-set version of a target device.
// It selects compiler flags and segments the compilation cache: binaries
// built for one capability are never loaded under another.
type Capability struct {
	Major int
	Minor int
}

// String returns the dotted form, e.g. "3.5".
func (c Capability) String() string {
	return fmt.Sprintf("%d.%d", c.Major, c.Minor)
}

// ArchName returns the compiler architecture name, e.g. "sm_35".
func (c Capability) ArchName() string {
	return fmt.Sprintf("sm_%d%d", c.Major, c.Minor)
}

// Compare orders capabilities; negative when c precedes other.
func (c Capability) Compare(other Capability) int {
	if c.Major != other.Major {
		return c.Major - other.Major
	}
	return c.Minor - other.Minor
}

// ParseCapability accepts "3.5", "sm_35" and "35".
func ParseCapability(s string) (Capability, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "sm_")
	if maj, min, ok := strings.Cut(raw, "."); ok {
		major, err := strconv.Atoi(maj)
		if err != nil {
			return Capability{}, fmt.Errorf("invalid capability %q: %w", s, err)
		}
		minor, err := strconv.Atoi(min)
		if err != nil {
			return Capability{}, fmt.Errorf("invalid capability %q: %w", s, err)
		}
		return Capability{Major: major, Minor: minor}, nil
	}
	if len(raw) < 2 {
		return Capability{}, fmt.Errorf("invalid capability %q", s)
	}
	major, err := strconv.Atoi(raw[:len(raw)-1])
	if err != nil {
		return Capability{}, fmt.Errorf("invalid capability %q: %w", s, err)
	}
	minor, err := strconv.Atoi(raw[len(raw)-1:])
	if err != nil {
		return Capability{}, fmt.Errorf("invalid capability %q: %w", s, err)
	}
	return Capability{Major: major, Minor: minor}, nil
}
