package scheduler

import "strings"

// FindStop reports whether sequence contains any of stops, and which one.
func FindStop(sequence string, stops []string) (bool, string) {
	for _, stop := range stops {
		if strings.Contains(sequence, stop) {
			return true, stop
		}
	}
	return false, ""
}

// partialStopSuffixStart returns the start index of the longest suffix of
// sequence that is a proper prefix of some stop string, or -1 if sequence
// ends with no such suffix. Everything before that index is safe to emit
// even while the partial match is still pending.
func partialStopSuffixStart(sequence string, stops []string) int {
	best := -1
	for _, stop := range stops {
		maxLen := len(stop)
		if maxLen > len(sequence) {
			maxLen = len(sequence)
		}
		for i := maxLen; i >= 1; i-- {
			if strings.HasSuffix(sequence, stop[:i]) {
				start := len(sequence) - i
				if best == -1 || start < best {
					best = start
				}
				break
			}
		}
	}
	return best
}

// TruncateStop removes stop and everything after it from text, reporting
// whether anything was actually cut.
func TruncateStop(text, stop string) (string, bool) {
	idx := strings.Index(text, stop)
	if idx < 0 {
		return text, false
	}
	return text[:idx], true
}
