package session

import "testing"

func TestNormalizeNumber(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"already zero prefixed", "09121234567", "09121234567"},
		{"bare ten digit", "9121234567", "09121234567"},
		{"with dashes and spaces", "0912-123 4567", "09121234567"},
		{"with country code", "+989121234567", "989121234567"},
		{"short number unchanged", "12345", "12345"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := NormalizeNumber(tc.in)
			if got != tc.want {
				t.Errorf("NormalizeNumber(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestPreferCandidate(t *testing.T) {
	cases := []struct {
		name            string
		current, cand   string
		want            string
	}{
		{"empty current takes candidate", "", "09121234567", "09121234567"},
		{"identical", "09121234567", "09121234567", "09121234567"},
		{"candidate adds leading zero", "9121234567", "09121234567", "09121234567"},
		{"current already has leading zero", "09121234567", "9121234567", "09121234567"},
		{"unrelated numbers keep current", "09121234567", "09357654321", "09121234567"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := PreferCandidate(tc.current, tc.cand)
			if got != tc.want {
				t.Errorf("PreferCandidate(%q, %q) = %q, want %q", tc.current, tc.cand, got, tc.want)
			}
		})
	}
}

func TestMatchLine(t *testing.T) {
	lines := []string{"0218899", "0912345", "02188990011"}

	cases := []struct {
		name      string
		number    string
		wantLine  string
		wantFound bool
	}{
		{"exact match", "0218899", "0218899", true},
		{"leading zero stripped match", "218899", "0218899", true},
		{"suffix match", "98990011", "02188990011", true},
		{"no match", "0999999999", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotLine, gotFound := MatchLine(tc.number, lines)
			if gotFound != tc.wantFound {
				t.Fatalf("MatchLine(%q) found = %v, want %v", tc.number, gotFound, tc.wantFound)
			}
			if gotFound && gotLine != tc.wantLine {
				t.Errorf("MatchLine(%q) = %q, want %q", tc.number, gotLine, tc.wantLine)
			}
		})
	}
}
