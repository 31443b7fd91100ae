package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var sinceParser = newSinceParser()

func newSinceParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// parseSince reads a cursor value: either milliseconds since epoch or a
// natural-language time such as "2 hours ago" or "yesterday".
func parseSince(s string, now time.Time) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty --since value")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms < 0 {
			return 0, fmt.Errorf("--since must not be negative")
		}
		return ms, nil
	}

	r, err := sinceParser.Parse(s, now)
	if err != nil {
		return 0, fmt.Errorf("failed to parse --since %q: %w", s, err)
	}
	if r == nil {
		return 0, fmt.Errorf("could not understand --since %q (use ms since epoch or e.g. \"2 hours ago\")", s)
	}
	if r.Time.After(now) {
		return 0, fmt.Errorf("--since %q is in the future", s)
	}
	return r.Time.UnixMilli(), nil
}
