package session

import "strings"

// busyCongestionCauses are the hangup cause codes that, observed on
// ChannelHangupRequest, should pre-notify a call failure before the
// ordinary hangup notification fires (spec.md §4.2).
var busyCongestionCauses = map[int]bool{
	17: true, 18: true, 19: true, 20: true, 21: true, 34: true, 41: true, 42: true,
}

// IsBusyOrCongestionCause reports whether a hangup cause looks like a busy,
// congestion, or unavailable condition rather than an ordinary hangup.
func IsBusyOrCongestionCause(cause int, causeTxt string) bool {
	if busyCongestionCauses[cause] {
		return true
	}
	lower := strings.ToLower(causeTxt)
	return strings.Contains(lower, "busy") || strings.Contains(lower, "congestion") || strings.Contains(lower, "unavailable")
}
