package schema

import (
	"fmt"
	"strings"
)

// PriorityClass is the coarse input class of the device that wrote a row.
// It only matters when two writes carry the same updated_at.
type PriorityClass string

const (
	// ClassUnknown is used when the writer did not report a class.
	ClassUnknown PriorityClass = ""
	// ClassPointer is a mouse/trackpad device (desktop).
	ClassPointer PriorityClass = "pointer"
	// ClassTouch is a touch device (phone, tablet).
	ClassTouch PriorityClass = "touch"
)

// ParsePriorityClass parses a class name. The empty string is ClassUnknown.
func ParsePriorityClass(s string) (PriorityClass, error) {
	switch c := PriorityClass(strings.ToLower(strings.TrimSpace(s))); c {
	case ClassUnknown, ClassPointer, ClassTouch:
		return c, nil
	default:
		return ClassUnknown, fmt.Errorf("unknown priority class %q", s)
	}
}

// legacyTags maps the single-letter prefixes older clients put in updated_by.
var legacyTags = map[string]PriorityClass{
	"d": ClassPointer,
	"m": ClassTouch,
}

// ParseLegacyWriter splits a legacy "<tag>:<device>" updated_by value.
// Values without a recognized tag are returned unchanged with ClassUnknown.
func ParseLegacyWriter(updatedBy string) (PriorityClass, string) {
	tag, device, ok := strings.Cut(updatedBy, ":")
	if !ok {
		return ClassUnknown, updatedBy
	}
	class, known := legacyTags[tag]
	if !known {
		return ClassUnknown, updatedBy
	}
	return class, device
}

// TieBreak is the ordering table used when two writes share updated_at.
//
// Order lists classes from strongest to weakest. Classes not in the list,
// including ClassUnknown, rank below every listed class. Writes of equal
// rank fall back to lexical comparison of updated_by.
type TieBreak struct {
	Order []PriorityClass
}

// DefaultTieBreak lets pointer devices win exact-timestamp ties over touch
// devices, and both over writers that did not report a class.
var DefaultTieBreak = TieBreak{Order: []PriorityClass{ClassPointer, ClassTouch}}

// Rank returns the strength of a class; higher wins.
func (tb TieBreak) Rank(c PriorityClass) int {
	for i, o := range tb.Order {
		if o == c {
			return len(tb.Order) - i
		}
	}
	return 0
}

// ParseTieBreak builds a TieBreak from class names, strongest first.
// An empty list returns DefaultTieBreak.
func ParseTieBreak(names []string) (TieBreak, error) {
	if len(names) == 0 {
		return DefaultTieBreak, nil
	}

	order := make([]PriorityClass, 0, len(names))
	seen := make(map[PriorityClass]bool, len(names))
	for _, name := range names {
		c, err := ParsePriorityClass(name)
		if err != nil {
			return TieBreak{}, err
		}
		if c == ClassUnknown {
			return TieBreak{}, fmt.Errorf("tie-break order cannot contain an empty class")
		}
		if seen[c] {
			return TieBreak{}, fmt.Errorf("duplicate class %q in tie-break order", c)
		}
		seen[c] = true
		order = append(order, c)
	}
	return TieBreak{Order: order}, nil
}

// Writer identifies the device stamping rows before a push.
type Writer struct {
	DeviceID string
	Priority PriorityClass
}
