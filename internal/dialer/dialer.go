// Package dialer is the rate-and-concurrency-governed outbound origination
// loop (spec.md §4.5): it pulls contacts from the panel, picks a line,
// originates the call, and watches for calls that never progress past
// ringing. It also shares capacity with inbound arrivals through the
// session.LineReservation interface and lends lines to the flow engine's
// operator-transfer sub-protocol through flowengine.LineSource.
package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/voxdialer/voxdialer/internal/flowengine"
	"github.com/voxdialer/voxdialer/internal/panel"
	"github.com/voxdialer/voxdialer/internal/scenario"
	"github.com/voxdialer/voxdialer/internal/session"
)

// PanelSource is the subset of the panel client the dialer needs. Defined
// consumer-side so this package never imports internal/panel's HTTP
// machinery directly, only its data types.
type PanelSource interface {
	NextBatch(ctx context.Context, size int) (*panel.NextBatchResponse, error)
	ReportCallNotAllowed(ctx context.Context, numberID string) error
}

// Originator is the subset of the telephony client the dialer needs to
// place outbound calls.
type Originator interface {
	Originate(ctx context.Context, endpoint string, appArgs []string, callerID string, timeout time.Duration, variables map[string]string) (string, error)
}

// SMSSender delivers the failure-streak operator alert.
type SMSSender interface {
	SendAlert(ctx context.Context, message string) error
}

// Config carries the dialer's tunables, sourced from internal/config at
// construction time.
type Config struct {
	OutboundTrunk         string
	OutboundLines         []string
	DefaultCallerID       string
	OriginationTimeout    time.Duration
	MaxConcurrentCalls    int
	MaxCallsPerMinute     int
	MaxCallsPerDay        int
	OriginationsPerSecond float64
	CallWindowStart       string
	CallWindowEnd         string
	BatchSize             int
	DefaultRetryAfter     time.Duration
	PanelCompany          string
	StaticContacts        []string
	SMSFailAlertThreshold int
	OperatorMobiles       []string
	UsePanelAgents        bool
}

// Dialer is the single per-process outbound scheduler.
type Dialer struct {
	cfg    Config
	tc     Originator
	panel  PanelSource
	sms    SMSSender
	mgr    *session.Manager
	scns   *scenario.Registry
	roster *roster
	logger *slog.Logger

	mu             sync.Mutex
	lines          map[string]*lineStats
	lineOrder      []string
	queue          []panel.Contact
	sessionLine    map[string]string
	sessionStarted map[string]time.Time

	pausedByFailures bool
	pausedReason     string
	failureStreak    int
	nextPanelPoll    time.Time
	retryAfter       time.Duration

	operatorPriorityRequests int32

	limiter *rate.Limiter
}

// New builds a Dialer. Its outbound trunk lines come from cfg.OutboundLines
// (the session manager is given the same list to resolve inbound arrivals).
func New(cfg Config, tc Originator, ps PanelSource, sms SMSSender, mgr *session.Manager, scns *scenario.Registry, logger *slog.Logger) *Dialer {
	d := &Dialer{
		cfg:            cfg,
		tc:             tc,
		panel:          ps,
		sms:            sms,
		mgr:            mgr,
		scns:           scns,
		roster:         &roster{},
		logger:         logger.With("component", "dialer"),
		lines:          make(map[string]*lineStats),
		lineOrder:      append([]string(nil), cfg.OutboundLines...),
		sessionLine:    make(map[string]string),
		sessionStarted: make(map[string]time.Time),
		retryAfter:     cfg.DefaultRetryAfter,
	}
	for _, p := range cfg.StaticContacts {
		d.queue = append(d.queue, panel.Contact{PhoneNumber: p})
	}
	d.roster.set(agentsFromPhones(cfg.OperatorMobiles), agentsFromPhones(cfg.OperatorMobiles))
	if cfg.OriginationsPerSecond > 0 {
		burst := int(cfg.OriginationsPerSecond)
		if burst < 1 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.OriginationsPerSecond), burst)
	}
	return d
}

// Roster exposes the dialer's operator-phone roster for wiring into
// flowengine.Engine.SetRoster during the post-init phase (spec.md §9).
func (d *Dialer) Roster() flowengine.Roster {
	return d.roster
}

// Run drives the main loop until ctx is cancelled (spec.md §4.5). Every
// iteration catches and logs its own errors, and a panic inside one
// iteration is recovered and logged, so a per-session fault never stops
// the loop.
func (d *Dialer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		sleep := func() (sleep time.Duration) {
			defer func() {
				if r := recover(); r != nil {
					d.logger.Error("dialer loop iteration panicked", "panic", r)
					sleep = time.Second
				}
			}()
			return d.tick(ctx)
		}()
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
	}
}

// tick runs one loop iteration and returns how long to sleep before the
// next one.
func (d *Dialer) tick(ctx context.Context) time.Duration {
	d.pollPanelIfDue(ctx)

	d.mu.Lock()
	paused := d.pausedByFailures
	queueLen := len(d.queue)
	d.mu.Unlock()

	if paused {
		return 2 * time.Second
	}
	if !d.withinCallWindow(time.Now()) {
		return time.Second
	}
	if queueLen == 0 {
		return 5 * time.Second
	}
	if d.operatorPriorityRequestsActive() {
		return 50 * time.Millisecond
	}

	line, ok := d.tryReserveOutboundLine()
	if !ok {
		return time.Second
	}

	contact, ok := d.popContact()
	if !ok {
		d.lineFor(line).releaseOutbound()
		return time.Second
	}

	d.throttleOriginationRate(ctx)
	d.originate(ctx, line, contact)
	return 50 * time.Millisecond
}

func (d *Dialer) operatorPriorityRequestsActive() bool {
	return atomic.LoadInt32(&d.operatorPriorityRequests) > 0
}

func (d *Dialer) withinCallWindow(now time.Time) bool {
	if d.cfg.CallWindowStart == "" || d.cfg.CallWindowEnd == "" {
		return true
	}
	cur := now.Format("15:04")
	if d.cfg.CallWindowStart <= d.cfg.CallWindowEnd {
		return cur >= d.cfg.CallWindowStart && cur <= d.cfg.CallWindowEnd
	}
	// window wraps past midnight.
	return cur >= d.cfg.CallWindowStart || cur <= d.cfg.CallWindowEnd
}

func (d *Dialer) popContact() (panel.Contact, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return panel.Contact{}, false
	}
	c := d.queue[0]
	d.queue = d.queue[1:]
	return c, true
}

// throttleOriginationRate enforces max_originations_per_second (spec.md
// §4.5 step 7) via a token-bucket limiter; a nil limiter means the rate is
// unbounded.
func (d *Dialer) throttleOriginationRate(ctx context.Context) {
	if d.limiter == nil {
		return
	}
	if err := d.limiter.Wait(ctx); err != nil {
		d.logger.Warn("origination rate limiter wait aborted", "error", err)
	}
}

// originate mints an outbound session, places the call, and arms the
// missed-timeout watcher (spec.md §4.5 step 8).
func (d *Dialer) originate(ctx context.Context, line string, contact panel.Contact) {
	sessionID := "out-" + uuid.New().String()

	scenarioName := ""
	if scn, ok := d.scns.NextOutbound(d.cfg.PanelCompany); ok {
		scenarioName = scn.Name
	}

	normalized := session.NormalizeNumber(contact.PhoneNumber)
	sess := d.mgr.CreateOutboundSession(sessionID, normalized, line, scenarioName, "", contact.ID)

	d.mu.Lock()
	d.sessionLine[sessionID] = line
	d.sessionStarted[sessionID] = time.Now()
	d.mu.Unlock()

	// spec.md's "<line-suffix>" prefix has no defined source in the
	// original dialer (it dials the bare contact number); decided as empty
	// here (see DESIGN.md).
	endpoint := fmt.Sprintf("PJSIP/%s@%s", strings.TrimPrefix(normalized, "0"), d.cfg.OutboundTrunk)

	_, err := d.tc.Originate(ctx, endpoint, []string{"outbound", sessionID}, d.cfg.DefaultCallerID, d.cfg.OriginationTimeout, nil)
	if err != nil {
		d.logger.Error("originate failed", "session_id", sessionID, "endpoint", endpoint, "error", err)
		d.lineFor(line).releaseOutbound()
		d.mu.Lock()
		delete(d.sessionLine, sessionID)
		delete(d.sessionStarted, sessionID)
		d.mu.Unlock()
		sess.SetResult("failed:originate_error", true)
		d.mgr.Cleanup(ctx, sessionID)
		return
	}

	go d.watchMissedTimeout(ctx, sess)
}

// watchMissedTimeout implements spec.md §4.5's missed-timeout watcher: if
// the session never reaches active/completed and no result has been set by
// origination_timeout+15s, force result=missed and tear it down.
func (d *Dialer) watchMissedTimeout(ctx context.Context, sess *session.Session) {
	timer := time.NewTimer(d.cfg.OriginationTimeout + 15*time.Second)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	sess.Lock()
	status := sess.Status
	hasResult := sess.Result != ""
	sess.Unlock()

	if status == session.StatusActive || status == session.StatusCompleted || hasResult {
		return
	}

	d.logger.Warn("session missed timeout watcher firing", "session_id", sess.ID)
	sess.SetResult("missed", true)
	d.mgr.Cleanup(ctx, sess.ID)
}

// pollPanelIfDue fetches a new batch when due, handling the disallowed/
// retry-after protocol (spec.md §4.5 step 2). Returns false if no poll was
// due; otherwise true, including when no line had free capacity and so no
// batch was requested.
func (d *Dialer) pollPanelIfDue(ctx context.Context) bool {
	d.mu.Lock()
	due := time.Now().After(d.nextPanelPoll)
	d.mu.Unlock()
	if !due || d.panel == nil {
		return false
	}

	d.mu.Lock()
	d.nextPanelPoll = time.Now().Add(d.retryAfter)
	size := d.availableCapacityLocked()
	d.mu.Unlock()

	if size <= 0 {
		return true
	}

	resp, err := d.panel.NextBatch(ctx, size)
	if err != nil {
		d.logger.Error("next-batch poll failed", "error", err)
		return true
	}

	if !resp.CallAllowed {
		after := time.Duration(resp.RetryAfterSeconds) * time.Second
		if after <= 0 {
			after = d.cfg.DefaultRetryAfter
		}
		d.mu.Lock()
		d.pausedByFailures = true
		d.pausedReason = resp.Reason
		d.nextPanelPoll = time.Now().Add(after)
		d.retryAfter = after
		d.mu.Unlock()
		d.logger.Warn("panel disallowed further calls", "reason", resp.Reason, "retry_after", after)
		return true
	}

	d.mu.Lock()
	d.pausedByFailures = false
	d.pausedReason = ""
	for _, c := range resp.Batch.Numbers {
		d.queue = append(d.queue, c)
	}
	d.mu.Unlock()

	if d.cfg.UsePanelAgents {
		d.roster.set(agentsFromPhones(resp.InboundAgents), agentsFromPhones(resp.OutboundAgents))
	}

	return true
}

func (d *Dialer) availableCapacityLocked() int {
	if len(d.lineOrder) == 0 {
		return d.cfg.BatchSize
	}

	total := 0
	now := time.Now()
	for _, line := range d.lineOrder {
		snap := d.lines[line]
		if snap == nil {
			total += d.cfg.MaxConcurrentCalls
			continue
		}
		used := snap.snapshot(now)
		if free := d.cfg.MaxConcurrentCalls - used.activeTotal; free > 0 {
			total += free
		}
	}
	if total > d.cfg.BatchSize {
		total = d.cfg.BatchSize
	}
	return total
}

// ReportResult implements flowengine.ReportSink's effect on failure-streak
// bookkeeping, layered in front of the real panel client: it forwards the
// report unchanged, then folds the outcome into the streak and, on a
// threshold breach, pauses the loop and fires an SMS alert (spec.md §4.5
// "Failure-streak alerting"). Wire this in place of the panel client
// directly when constructing the flow engine.
type ReportingSink struct {
	inner  flowengine.ReportSink
	dialer *Dialer
}

// WrapReportSink builds a ReportingSink around the real panel client.
func (d *Dialer) WrapReportSink(inner flowengine.ReportSink) *ReportingSink {
	return &ReportingSink{inner: inner, dialer: d}
}

func (s *ReportingSink) ReportResult(ctx context.Context, report panel.Report) error {
	err := s.inner.ReportResult(ctx, report)
	s.dialer.observeResult(ctx, report)
	return err
}

func (d *Dialer) observeResult(ctx context.Context, report panel.Report) {
	failed := strings.HasPrefix(string(report.Status), "FAILED") || report.Status == panel.StatusFailed
	quota := strings.Contains(report.Reason, "quota")

	d.mu.Lock()
	if failed || quota {
		if quota {
			d.failureStreak = d.cfg.SMSFailAlertThreshold
		} else {
			d.failureStreak++
		}
	} else {
		d.failureStreak = 0
	}
	streak := d.failureStreak
	threshold := d.cfg.SMSFailAlertThreshold
	alreadyPaused := d.pausedByFailures
	if threshold > 0 && streak >= threshold {
		d.pausedByFailures = true
		d.pausedReason = "consecutive_failures"
	}
	shouldAlert := threshold > 0 && streak >= threshold && !alreadyPaused
	d.mu.Unlock()

	if report.NumberID != "" && threshold > 0 && streak >= threshold {
		if err := d.panel.ReportCallNotAllowed(ctx, report.NumberID); err != nil {
			d.logger.Error("report-call-not-allowed failed", "number_id", report.NumberID, "error", err)
		}
	}

	if shouldAlert && d.sms != nil {
		msg := fmt.Sprintf("voxdialer: %d consecutive failed calls, outbound dialing paused", streak)
		if err := d.sms.SendAlert(ctx, msg); err != nil {
			d.logger.Error("failure-streak sms alert failed", "error", err)
		}
	}
}

// Status is a read-only snapshot for the ops API (spec.md §3's status
// surface, plus the supplemental per-line average-duration observability).
type Status struct {
	PausedByFailures bool                  `json:"paused_by_failures"`
	PausedReason     string                `json:"paused_reason,omitempty"`
	FailureStreak    int                   `json:"failure_streak"`
	QueueLength      int                   `json:"queue_length"`
	Lines            map[string]LineStatus `json:"lines"`
}

// LineStatus is one line's snapshot within Status.
type LineStatus struct {
	ActiveOutbound     int     `json:"active_outbound"`
	ActiveInbound      int     `json:"active_inbound"`
	WaitingInbound     int     `json:"waiting_inbound"`
	RollingPerMinute   int     `json:"rolling_per_minute"`
	Daily              int     `json:"daily"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
}

// Snapshot returns the current dialer status for the ops API.
func (d *Dialer) Snapshot() Status {
	now := time.Now()
	d.mu.Lock()
	st := Status{
		PausedByFailures: d.pausedByFailures,
		PausedReason:     d.pausedReason,
		FailureStreak:    d.failureStreak,
		QueueLength:      len(d.queue),
		Lines:            make(map[string]LineStatus, len(d.lineOrder)),
	}
	lines := append([]string(nil), d.lineOrder...)
	d.mu.Unlock()

	for _, line := range lines {
		ls := d.lineFor(line)
		snap := ls.snapshot(now)
		outbound, inbound := ls.activeCounts()
		st.Lines[line] = LineStatus{
			ActiveOutbound:     outbound,
			ActiveInbound:      inbound,
			WaitingInbound:     snap.waitingInbound,
			RollingPerMinute:   snap.rollingCount,
			Daily:              snap.daily,
			AvgDurationSeconds: ls.AvgDurationSeconds(),
		}
	}
	return st
}

