package domain

import "time"

// EntitlementActive reports whether at falls inside [from, to]. A nil to
// leaves the window open-ended.
func EntitlementActive(from time.Time, to *time.Time, at time.Time) bool {
	if at.Before(from) {
		return false
	}
	return to == nil || !to.Before(at)
}
