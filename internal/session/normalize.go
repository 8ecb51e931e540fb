package session

import "strings"

// NormalizeNumber strips non-digit characters and, per spec.md §4.2, prepends
// a leading zero to a bare 10-digit mobile number (Iranian-style local
// numbering: "9121234567" -> "09121234567").
func NormalizeNumber(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 10 && digits[0] != '0' {
		return "0" + digits
	}
	return digits
}

// PreferCandidate reconciles two normalized-number candidates for the same
// caller, preferring a leading-zero form over a non-zero form when the new
// candidate is a suffix of the current one (spec.md §4.2).
func PreferCandidate(current, candidate string) string {
	if current == "" {
		return candidate
	}
	if candidate == current {
		return current
	}
	if strings.HasPrefix(candidate, "0") && strings.HasSuffix(current, candidate[1:]) {
		return candidate
	}
	if strings.HasPrefix(current, "0") && strings.HasSuffix(candidate, current[1:]) {
		return current
	}
	return current
}

// MatchLine resolves a dialed/connected number against a configured set of
// outbound trunk line numbers using exact, leading-zero-stripped, and
// suffix matching, per spec.md §4.2.
func MatchLine(number string, lines []string) (string, bool) {
	norm := NormalizeNumber(number)
	stripped := strings.TrimPrefix(norm, "0")

	for _, line := range lines {
		if line == number || line == norm {
			return line, true
		}
	}
	for _, line := range lines {
		if strings.TrimPrefix(line, "0") == stripped {
			return line, true
		}
	}
	for _, line := range lines {
		if len(stripped) >= 6 && strings.HasSuffix(strings.TrimPrefix(line, "0"), stripped[len(stripped)-6:]) {
			return line, true
		}
	}
	return "", false
}
