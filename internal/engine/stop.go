package engine

import "strings"

// stopMatcher accumulates the full generated text for one request and scans
// it for stop strings after each fragment. The rule is uniform across the
// blocking and streaming paths: the earliest occurrence in the accumulated
// text wins, ties broken by the caller-supplied stop order.
//
// For streaming, safeLen reports how much of the accumulated text can be
// delivered without risking a later match spanning the boundary: everything
// but the last maxLen-1 bytes, where maxLen is the longest stop string.
type stopMatcher struct {
	stops    []string
	acc      strings.Builder
	holdback int
}

func newStopMatcher(stops []string) *stopMatcher {
	m := &stopMatcher{}
	for _, s := range stops {
		if s == "" {
			continue
		}
		m.stops = append(m.stops, s)
		if len(s)-1 > m.holdback {
			m.holdback = len(s) - 1
		}
	}
	return m
}

// feed appends fragment and scans the suffix for stop strings. It returns
// the truncation offset and whether a stop matched.
func (m *stopMatcher) feed(fragment string) (cutoff int, matched bool) {
	prevLen := m.acc.Len()
	m.acc.WriteString(fragment)
	if len(m.stops) == 0 {
		return 0, false
	}

	// A new match must end inside the fragment, so it starts no earlier
	// than holdback bytes before it. A match fully inside older text would
	// have ended the request already, so rescanning that window is safe.
	from := prevLen - m.holdback
	if from < 0 {
		from = 0
	}

	text := m.acc.String()
	best := -1
	for _, s := range m.stops {
		if idx := strings.Index(text[from:], s); idx >= 0 {
			abs := from + idx
			if best < 0 || abs < best {
				best = abs
			}
		}
	}
	if best < 0 {
		return 0, false
	}
	return best, true
}

// text returns the full accumulated output.
func (m *stopMatcher) text() string { return m.acc.String() }

// safeLen is the prefix length that can be streamed now without the risk
// that a stop string later matches across it.
func (m *stopMatcher) safeLen() int {
	n := m.acc.Len() - m.holdback
	if n < 0 {
		return 0
	}
	return n
}
