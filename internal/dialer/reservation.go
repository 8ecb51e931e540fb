package dialer

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voxdialer/voxdialer/internal/flowengine"
	"github.com/voxdialer/voxdialer/internal/session"
)

// RegisterInboundSession implements session.LineReservation. It refuses once
// a line's combined active legs reach maxConcurrentCalls, asking the caller
// to queue the session instead (spec.md §4.5 "Inbound capacity sharing").
func (d *Dialer) RegisterInboundSession(sess *session.Session, line string) bool {
	ls := d.lineFor(line)

	if !ls.tryRegisterInbound(d.cfg.MaxConcurrentCalls) {
		return false
	}

	d.mu.Lock()
	d.sessionLine[sess.ID] = line
	d.mu.Unlock()
	return true
}

// CancelWaitingInbound implements session.LineReservation: a queued caller
// hung up before being admitted.
func (d *Dialer) CancelWaitingInbound(line string) {
	d.lineFor(line).decWaitingInbound()
}

// ReleaseLine implements session.LineReservation: an inbound leg on this line
// has ended, freeing its active-inbound slot.
func (d *Dialer) ReleaseLine(line string) {
	if line == "" {
		return
	}
	d.lineFor(line).releaseInbound()
}

// releaseOperatorLine frees the active-outbound slot claimed by ReserveLine
// for an operator-transfer leg. Kept distinct from ReleaseLine because the
// two reservations increment different counters (recordOutboundAttempt vs.
// RegisterInboundSession) and Go can't dispatch the same method name
// differently per interface; see OperatorLineSource.
func (d *Dialer) releaseOperatorLine(line string) {
	if line == "" {
		return
	}
	d.lineFor(line).releaseOutbound()
}

// OperatorLineSource adapts a Dialer to flowengine.LineSource, routing
// ReleaseLine to the outbound counter instead of Dialer.ReleaseLine's
// inbound one (spec.md §4.3.1's operator-transfer line borrowing).
type OperatorLineSource struct {
	d *Dialer
}

// NewOperatorLineSource builds the flowengine-facing adapter for d.
func NewOperatorLineSource(d *Dialer) *OperatorLineSource {
	return &OperatorLineSource{d: d}
}

func (o *OperatorLineSource) RequestOperatorPriority()  { o.d.RequestOperatorPriority() }
func (o *OperatorLineSource) ReleaseOperatorPriority()  { o.d.ReleaseOperatorPriority() }
func (o *OperatorLineSource) ReserveLine(ctx context.Context, timeout time.Duration) (string, bool) {
	return o.d.ReserveLine(ctx, timeout)
}
func (o *OperatorLineSource) ReleaseLine(line string) { o.d.releaseOperatorLine(line) }

// NotifySessionComplete implements session.DialerNotifier: clears the
// session-to-line mapping and, if the session originated an outbound leg
// this dialer tracked, releases its active-outbound slot and folds its
// duration into the line's rolling average.
func (d *Dialer) NotifySessionComplete(sessionID string) {
	d.mu.Lock()
	line, ok := d.sessionLine[sessionID]
	delete(d.sessionLine, sessionID)
	startedAt, hadStart := d.sessionStarted[sessionID]
	delete(d.sessionStarted, sessionID)
	d.mu.Unlock()

	// Only sessions this dialer originated have a start time; inbound
	// sessions release their slot through ReleaseLine instead.
	if !ok || !hadStart {
		return
	}
	ls := d.lineFor(line)
	ls.releaseOutbound()
	ls.recordDuration(time.Since(startedAt).Seconds())
}

// RequestOperatorPriority implements flowengine.LineSource: signals the main
// loop to stop picking up new queue work while an operator transfer is in
// flight (spec.md §4.5 step 4).
func (d *Dialer) RequestOperatorPriority() {
	atomic.AddInt32(&d.operatorPriorityRequests, 1)
}

// ReleaseOperatorPriority implements flowengine.LineSource.
func (d *Dialer) ReleaseOperatorPriority() {
	if atomic.AddInt32(&d.operatorPriorityRequests, -1) < 0 {
		atomic.StoreInt32(&d.operatorPriorityRequests, 0)
	}
}

// ReserveLine implements flowengine.LineSource: polls for a free line up to
// timeout, checking every 200ms, and marks it active-outbound on success so
// the ordinary queue loop's line selection sees it as busy.
func (d *Dialer) ReserveLine(ctx context.Context, timeout time.Duration) (string, bool) {
	deadline := time.Now().Add(timeout)
	for {
		if line, ok := d.tryReserveOutboundLine(); ok {
			return line, true
		}
		if time.Now().After(deadline) {
			return "", false
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (d *Dialer) tryReserveOutboundLine() (string, bool) {
	now := time.Now()
	line, ok := d.selectLine(now)
	if !ok {
		return "", false
	}
	d.lineFor(line).recordOutboundAttempt(now)
	return line, true
}

// selectLine implements spec.md §4.5's line selection ordering: ascending by
// (total_active, rolling_attempts, daily), skipping any line that is
// currently serving a queued inbound waiter or is at one of the three
// configured caps.
func (d *Dialer) selectLine(now time.Time) (string, bool) {
	var candidates []lineSnapshot
	for _, line := range d.lineOrder {
		snap := d.lineFor(line).snapshot(now)
		if snap.waitingInbound > 0 {
			continue
		}
		if snap.activeTotal >= d.cfg.MaxConcurrentCalls {
			continue
		}
		if snap.rollingCount >= d.cfg.MaxCallsPerMinute {
			continue
		}
		if snap.daily >= d.cfg.MaxCallsPerDay {
			continue
		}
		candidates = append(candidates, snap)
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.activeTotal != b.activeTotal {
			return a.activeTotal < b.activeTotal
		}
		if a.rollingCount != b.rollingCount {
			return a.rollingCount < b.rollingCount
		}
		return a.daily < b.daily
	})
	return candidates[0].line, true
}

func (d *Dialer) lineFor(line string) *lineStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	ls, ok := d.lines[line]
	if !ok {
		ls = newLineStats(line)
		d.lines[line] = ls
	}
	return ls
}

// roster is a snapshot of operator phones available per agent type, either
// the static configured list or the panel's last-reported active agents
// (spec.md §6, UsePanelAgents).
type roster struct {
	mu       sync.RWMutex
	inbound  []flowengine.Agent
	outbound []flowengine.Agent
}

// Agents implements flowengine.Roster.
func (r *roster) Agents(agentType string) []flowengine.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	switch agentType {
	case "inbound":
		return append([]flowengine.Agent(nil), r.inbound...)
	case "outbound":
		return append([]flowengine.Agent(nil), r.outbound...)
	default:
		return nil
	}
}

func (r *roster) set(inbound, outbound []flowengine.Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound = inbound
	r.outbound = outbound
}

func agentsFromPhones(phones []string) []flowengine.Agent {
	agents := make([]flowengine.Agent, 0, len(phones))
	for _, p := range phones {
		agents = append(agents, flowengine.Agent{Phone: p})
	}
	return agents
}
