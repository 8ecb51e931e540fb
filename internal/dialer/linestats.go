package dialer

import (
	"sync"
	"time"
)

// lineStats tracks one trunk line's capacity usage: active legs, a rolling
// per-minute attempt count, a per-day counter, and a decayed average call
// duration kept for capacity-planning observability only (spec.md §4.5's
// dialer state, plus the original dialer's avg_call_duration supplement —
// never consulted by line selection).
type lineStats struct {
	mu sync.Mutex

	line string

	activeOutbound int
	activeInbound  int
	waitingInbound int

	rolling []time.Time

	dailyDate string
	daily     int

	avgDurationSeconds float64
	haveAvg            bool
}

func newLineStats(line string) *lineStats {
	return &lineStats{line: line}
}

func (s *lineStats) pruneRolling(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for ; i < len(s.rolling); i++ {
		if s.rolling[i].After(cutoff) {
			break
		}
	}
	s.rolling = s.rolling[i:]
}

func (s *lineStats) rollOverDay(now time.Time) {
	today := now.Format("2006-01-02")
	if s.dailyDate != today {
		s.dailyDate = today
		s.daily = 0
	}
}

// snapshot is an immutable view used by line selection, taken under lock.
type lineSnapshot struct {
	line           string
	activeTotal    int
	rollingCount   int
	daily          int
	waitingInbound int
}

func (s *lineStats) snapshot(now time.Time) lineSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneRolling(now)
	s.rollOverDay(now)
	return lineSnapshot{
		line:           s.line,
		activeTotal:    s.activeOutbound + s.activeInbound,
		rollingCount:   len(s.rolling),
		daily:          s.daily,
		waitingInbound: s.waitingInbound,
	}
}

func (s *lineStats) recordOutboundAttempt(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollOverDay(now)
	s.activeOutbound++
	s.rolling = append(s.rolling, now)
	s.daily++
}

func (s *lineStats) releaseOutbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeOutbound > 0 {
		s.activeOutbound--
	}
}

// tryRegisterInbound admits an inbound leg if the line has a free slot,
// otherwise marks it waiting and refuses (spec.md §4.5 "Inbound capacity
// sharing").
func (s *lineStats) tryRegisterInbound(maxConcurrent int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeOutbound+s.activeInbound >= maxConcurrent {
		s.waitingInbound++
		return false
	}
	s.activeInbound++
	return true
}

func (s *lineStats) releaseInbound() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeInbound > 0 {
		s.activeInbound--
	}
}

func (s *lineStats) decWaitingInbound() {
	s.mu.Lock()
	if s.waitingInbound > 0 {
		s.waitingInbound--
	}
	s.mu.Unlock()
}

// recordDuration folds a completed call's duration into the decayed moving
// average via a fixed smoothing factor.
func (s *lineStats) recordDuration(seconds float64) {
	const alpha = 0.2
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.haveAvg {
		s.avgDurationSeconds = seconds
		s.haveAvg = true
		return
	}
	s.avgDurationSeconds = alpha*seconds + (1-alpha)*s.avgDurationSeconds
}

// AvgDurationSeconds returns the current decayed average, 0 if no call has
// completed on this line yet.
func (s *lineStats) AvgDurationSeconds() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.avgDurationSeconds
}

func (s *lineStats) activeCounts() (outbound, inbound int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeOutbound, s.activeInbound
}
