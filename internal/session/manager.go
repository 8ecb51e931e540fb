package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voxdialer/voxdialer/internal/telephony"
)

// Manager owns the authoritative session table plus the channel, playback,
// and recording indices, and translates PBX events into ScenarioHandler
// callbacks (spec.md §4.2). Its global lock guards only those indices and
// the session table; it is never held across a network call.
type Manager struct {
	mu                 sync.RWMutex
	sessions           map[string]*Session
	channelToSession   map[string]string
	playbackToSession  map[string]string
	recordingToSession map[string]string
	waitingInbound     map[string][]string // line -> FIFO of queued session ids

	tc      *telephony.Client
	lines   []string
	handler ScenarioHandler
	lineRes LineReservation
	notify  DialerNotifier

	logger *slog.Logger
}

// NewManager builds a Manager. lines is the configured set of outbound trunk
// line numbers, used to resolve inbound dialed numbers.
func NewManager(tc *telephony.Client, lines []string, logger *slog.Logger) *Manager {
	return &Manager{
		sessions:           make(map[string]*Session),
		channelToSession:   make(map[string]string),
		playbackToSession:  make(map[string]string),
		recordingToSession: make(map[string]string),
		waitingInbound:     make(map[string][]string),
		tc:                 tc,
		lines:              lines,
		logger:             logger.With("component", "session_manager"),
	}
}

// SetScenarioHandler wires the flow engine in after both sides are
// constructed, per spec.md §9's single post-init wiring phase.
func (m *Manager) SetScenarioHandler(h ScenarioHandler) { m.handler = h }

// SetLineReservation wires the dialer's capacity gate in.
func (m *Manager) SetLineReservation(lr LineReservation) { m.lineRes = lr }

// SetDialerNotifier wires the dialer's completion sink in.
func (m *Manager) SetDialerNotifier(n DialerNotifier) { m.notify = n }

// Session looks up a session by id.
func (m *Manager) Session(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// SessionSummary is a redacted view of one session for on-call debugging
// (spec.md §6's "no raw transcripts/PII in ops surfaces" framing).
type SessionSummary struct {
	ID        string
	Status    Status
	Result    string
	Legs      int
	CreatedAt time.Time
}

// Snapshot returns a summary of every tracked session, for the ops debug
// endpoint.
func (m *Manager) Snapshot() []SessionSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]SessionSummary, 0, len(m.sessions))
	for _, s := range m.sessions {
		s.Lock()
		out = append(out, SessionSummary{
			ID:        s.ID,
			Status:    s.Status,
			Result:    s.Result,
			Legs:      len(s.Legs),
			CreatedAt: s.CreatedAt,
		})
		s.Unlock()
	}
	return out
}

// CreateOutboundSession pre-registers a session for an outbound call the
// dialer is about to originate. The session has no channel id yet; it is
// attached on the matching StasisStart event.
func (m *Manager) CreateOutboundSession(sessionID, contactNumber, line, scenario, batchID, numberID string) *Session {
	sess := New(sessionID)
	sess.SetMeta("contact_number", contactNumber)
	sess.SetMeta("outbound_line", line)
	sess.SetMeta("scenario", scenario)
	sess.SetMeta("batch_id", batchID)
	sess.SetMeta("number_id", numberID)
	sess.SetMeta("attempted_at", time.Now().UTC().Format(time.RFC3339))
	sess.Legs[LegOutbound] = &Leg{Direction: LegOutbound, Endpoint: contactNumber, State: LegCreated}

	m.mu.Lock()
	m.sessions[sessionID] = sess
	m.mu.Unlock()
	return sess
}

// HandleEvent is the single dispatch point for PBX events. It must be
// called from one goroutine in arrival order; it never spawns per-event
// goroutines, preserving per-channel ordering (spec.md §9).
func (m *Manager) HandleEvent(ctx context.Context, evt telephony.Event) {
	switch evt.Type {
	case telephony.EventStasisStart:
		m.handleStasisStart(ctx, evt)
	case telephony.EventChannelStateChange:
		m.handleStateChange(evt)
	case telephony.EventChannelHangupRequest:
		m.handleHangupRequest(ctx, evt)
	case telephony.EventChannelDestroyed, telephony.EventStasisEnd:
		m.handleTerminal(ctx, evt)
	case telephony.EventPlaybackStarted:
		m.handlePlaybackStarted(evt)
	case telephony.EventPlaybackFinished:
		m.handlePlaybackFinished(evt)
	case telephony.EventRecordingFinished:
		m.handleRecordingEvent(evt, false)
	case telephony.EventRecordingFailed:
		m.handleRecordingEvent(evt, true)
	default:
		m.logger.Debug("unhandled event type", "type", evt.Type)
	}
}

func (m *Manager) handleStasisStart(ctx context.Context, evt telephony.Event) {
	if evt.Channel == nil || len(evt.Args) == 0 {
		m.logger.Warn("StasisStart missing channel or args")
		return
	}
	switch evt.Args[0] {
	case "outbound":
		if len(evt.Args) < 2 {
			m.logger.Warn("StasisStart outbound missing session id")
			return
		}
		m.attachOutboundLeg(ctx, evt.Args[1], evt.Channel)
	case "operator":
		if len(evt.Args) < 2 {
			m.logger.Warn("StasisStart operator missing session id")
			return
		}
		endpoint := ""
		if len(evt.Args) > 2 {
			endpoint = evt.Args[2]
		}
		m.attachOperatorLeg(ctx, evt.Args[1], endpoint, evt.Channel)
	default:
		m.handleInboundArrival(ctx, evt.Channel)
	}
}

func (m *Manager) attachOutboundLeg(ctx context.Context, sessionID string, ch *telephony.Channel) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		m.channelToSession[ch.ID] = sessionID
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("outbound leg for unknown session, hanging up orphan", "session_id", sessionID, "channel", ch.ID)
		_ = m.tc.HangupChannel(ctx, ch.ID, "normal")
		return
	}

	sess.Lock()
	if leg := sess.Legs[LegOutbound]; leg != nil {
		leg.ChannelID = ch.ID
		leg.State = LegRinging
	}
	sess.Status = StatusRinging
	sess.Unlock()

	m.joinToBridge(ctx, sess, ch.ID)
}

func (m *Manager) attachOperatorLeg(ctx context.Context, sessionID, endpoint string, ch *telephony.Channel) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	if ok {
		m.channelToSession[ch.ID] = sessionID
	}
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("operator leg for unknown session, hanging up orphan", "session_id", sessionID, "channel", ch.ID)
		_ = m.tc.HangupChannel(ctx, ch.ID, "normal")
		return
	}

	sess.Lock()
	sess.Legs[LegOperator] = &Leg{ChannelID: ch.ID, Direction: LegOperator, Endpoint: endpoint, State: LegRinging}
	sess.Unlock()

	m.joinToBridge(ctx, sess, ch.ID)
}

func (m *Manager) handleInboundArrival(ctx context.Context, ch *telephony.Channel) {
	dialed := ch.Dialplan.Exten
	if dialed == "" {
		dialed = ch.Connected.Number
	}
	line, matched := MatchLine(dialed, m.lines)

	sess := New(ch.ID)
	sess.Legs[LegInbound] = &Leg{ChannelID: ch.ID, Direction: LegInbound, Endpoint: ch.Caller.Number, State: LegCreated}
	sess.SetMeta("contact_number", NormalizeNumber(ch.Caller.Number))

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.channelToSession[ch.ID] = sess.ID
	m.mu.Unlock()

	if !matched {
		m.logger.Warn("inbound call on unmatched line", "channel", ch.ID, "dialed", dialed)
		m.admitInbound(ctx, sess)
		return
	}

	sess.SetMeta("outbound_line", line)

	if m.lineRes == nil || m.lineRes.RegisterInboundSession(sess, line) {
		m.admitInbound(ctx, sess)
		return
	}

	sess.SetMetaBool("inbound_queued", true)
	m.mu.Lock()
	m.waitingInbound[line] = append(m.waitingInbound[line], sess.ID)
	m.mu.Unlock()
	m.logger.Info("inbound call queued, line saturated", "channel", ch.ID, "line", line)
}

func (m *Manager) admitInbound(ctx context.Context, sess *Session) {
	leg := sess.Legs[LegInbound]
	if err := m.tc.AnswerChannel(ctx, leg.ChannelID); err != nil {
		m.logger.Error("answer channel failed", "channel", leg.ChannelID, "error", err)
	}
	sess.Lock()
	leg.State = LegAnswered
	sess.Status = StatusActive
	sess.Unlock()

	m.joinToBridge(ctx, sess, leg.ChannelID)

	if m.handler != nil {
		m.handler.OnInboundChannelCreated(sess)
	}
}

// TryAdmitWaiting pops the next queued inbound session on line, if any, and
// admits it. Called by the dialer after it frees capacity on that line.
func (m *Manager) TryAdmitWaiting(ctx context.Context, line string) bool {
	m.mu.Lock()
	queue := m.waitingInbound[line]
	if len(queue) == 0 {
		m.mu.Unlock()
		return false
	}
	sessionID := queue[0]
	m.waitingInbound[line] = queue[1:]
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()

	if !ok {
		return false
	}
	sess.SetMetaBool("inbound_queued", false)
	if m.lineRes != nil && !m.lineRes.RegisterInboundSession(sess, line) {
		// capacity disappeared again; requeue at the front.
		m.mu.Lock()
		m.waitingInbound[line] = append([]string{sessionID}, m.waitingInbound[line]...)
		m.mu.Unlock()
		sess.SetMetaBool("inbound_queued", true)
		return false
	}
	m.admitInbound(ctx, sess)
	return true
}

func (m *Manager) handleStateChange(evt telephony.Event) {
	if evt.Channel == nil {
		return
	}
	sess, ok := m.sessionForChannel(evt.Channel.ID)
	if !ok {
		return
	}
	sess.Lock()
	leg, dir := findLegByChannel(sess, evt.Channel.ID)
	if leg == nil {
		sess.Unlock()
		return
	}
	switch evt.Channel.State {
	case telephony.ChanStateUp:
		leg.State = LegAnswered
		sess.Status = StatusActive
	case telephony.ChanStateRinging:
		leg.State = LegRinging
	case telephony.ChanStateBusy, telephony.ChanStateFailed:
		leg.State = LegFailed
	}
	sess.Unlock()

	if m.handler == nil {
		return
	}
	switch evt.Channel.State {
	case telephony.ChanStateUp:
		m.handler.OnCallAnswered(sess, dir)
	case telephony.ChanStateBusy, telephony.ChanStateFailed:
		m.handler.OnCallFailed(sess, dir)
	}
}

func (m *Manager) handleHangupRequest(ctx context.Context, evt telephony.Event) {
	if evt.Channel == nil {
		return
	}
	sess, ok := m.sessionForChannel(evt.Channel.ID)
	if !ok {
		return
	}

	sess.Lock()
	leg, dir := findLegByChannel(sess, evt.Channel.ID)
	if leg != nil {
		leg.State = LegHungup
	}
	sess.SetMeta("hangup_cause", fmt.Sprintf("%d", evt.Channel.Cause))
	sess.SetMeta("hangup_cause_txt", evt.Channel.CauseTxt)
	sess.Unlock()

	if IsBusyOrCongestionCause(evt.Channel.Cause, evt.Channel.CauseTxt) && m.handler != nil {
		m.handler.OnCallFailed(sess, dir)
	}
	if m.handler != nil {
		m.handler.OnCallHangup(sess)
	}

	m.Cleanup(ctx, sess.ID)
}

func (m *Manager) handleTerminal(ctx context.Context, evt telephony.Event) {
	if evt.Channel == nil {
		return
	}
	sess, ok := m.sessionForChannel(evt.Channel.ID)
	if !ok {
		return
	}
	m.Cleanup(ctx, sess.ID)
}

func (m *Manager) handlePlaybackStarted(evt telephony.Event) {
	if evt.Playback == nil || evt.Playback.TargetURI == "" {
		return
	}
	channelID, ok := channelFromTargetURI(evt.Playback.TargetURI)
	if !ok {
		return
	}
	sess, ok := m.sessionForChannel(channelID)
	if !ok {
		return
	}
	m.mu.Lock()
	m.playbackToSession[evt.Playback.ID] = sess.ID
	m.mu.Unlock()
}

func (m *Manager) handlePlaybackFinished(evt telephony.Event) {
	if evt.Playback == nil {
		return
	}
	m.mu.Lock()
	sessionID, ok := m.playbackToSession[evt.Playback.ID]
	delete(m.playbackToSession, evt.Playback.ID)
	m.mu.Unlock()
	if !ok {
		return
	}
	sess, ok := m.Session(sessionID)
	if !ok || m.handler == nil {
		return
	}
	m.handler.OnPlaybackFinished(sess, evt.Playback.ID)
}

// RegisterRecording indexes an in-flight recording against its owning
// session. Callers (the flow engine) must call this right after starting a
// recording, since recording events don't reliably carry a channel back.
func (m *Manager) RegisterRecording(sessionID, name string) {
	m.mu.Lock()
	m.recordingToSession[name] = sessionID
	m.mu.Unlock()
}

func (m *Manager) handleRecordingEvent(evt telephony.Event, failed bool) {
	if evt.Recording == nil {
		return
	}
	name := evt.Recording.Name

	m.mu.RLock()
	sessionID, ok := m.recordingToSession[name]
	m.mu.RUnlock()
	if !ok && evt.Channel != nil {
		if sess, ok2 := m.sessionForChannel(evt.Channel.ID); ok2 {
			sessionID, ok = sess.ID, true
		}
	}
	if !ok {
		m.logger.Debug("recording event for unknown session", "name", name)
		return
	}
	sess, ok := m.Session(sessionID)
	if !ok {
		return
	}

	sess.Lock()
	if sess.ProcessedRecordings[name] {
		sess.Unlock()
		return
	}
	sess.ProcessedRecordings[name] = true
	sess.Unlock()

	if m.handler == nil {
		return
	}
	if failed {
		m.handler.OnRecordingFailed(sess, name, evt.Recording.Cause)
	} else {
		m.handler.OnRecordingFinished(sess, name)
	}
}

// Cleanup runs the idempotent teardown protocol (spec.md §4.2): report the
// session's finish, hang up any live legs, drop all index entries, delete
// the bridge, and notify the dialer. Safe to call more than once.
func (m *Manager) Cleanup(ctx context.Context, sessionID string) {
	m.mu.Lock()
	sess, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}

	sess.Lock()
	if sess.MetaBool("cleanup_done") {
		sess.Unlock()
		return
	}
	sess.SetMetaBool("cleanup_done", true)
	alreadyReported := sess.MetaBool("finished_reported")
	if !alreadyReported {
		sess.SetMetaBool("finished_reported", true)
	}

	var bridgeID string
	if sess.Bridge != nil {
		bridgeID = sess.Bridge.BridgeID
	}
	legs := make([]*Leg, 0, len(sess.Legs))
	for _, leg := range sess.Legs {
		legs = append(legs, leg)
	}
	line := sess.Meta("outbound_line")
	wasQueued := sess.MetaBool("inbound_queued")
	sess.Unlock()

	if !alreadyReported && m.handler != nil {
		m.handler.OnCallFinished(sess)
	}

	for _, leg := range legs {
		if leg.ChannelID == "" {
			continue
		}
		if leg.State != LegHungup && leg.State != LegFailed {
			_ = m.tc.HangupChannel(ctx, leg.ChannelID, "normal")
		}
	}

	m.mu.Lock()
	for _, leg := range legs {
		if leg.ChannelID != "" {
			delete(m.channelToSession, leg.ChannelID)
		}
	}
	for pbID, sid := range m.playbackToSession {
		if sid == sessionID {
			delete(m.playbackToSession, pbID)
		}
	}
	for name, sid := range m.recordingToSession {
		if sid == sessionID {
			delete(m.recordingToSession, name)
		}
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	if bridgeID != "" {
		if err := m.tc.DeleteBridge(ctx, bridgeID); err != nil {
			m.logger.Debug("delete bridge failed", "bridge", bridgeID, "error", err)
		}
	}

	if line != "" && m.lineRes != nil {
		if wasQueued {
			m.lineRes.CancelWaitingInbound(line)
		} else {
			m.lineRes.ReleaseLine(line)
		}
	}

	if m.notify != nil {
		m.notify.NotifySessionComplete(sessionID)
	}

	if line != "" && !wasQueued {
		m.TryAdmitWaiting(ctx, line)
	}
}

func (m *Manager) sessionForChannel(channelID string) (*Session, bool) {
	m.mu.RLock()
	sessionID, ok := m.channelToSession[channelID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.Session(sessionID)
}

func (m *Manager) joinToBridge(ctx context.Context, sess *Session, channelID string) {
	sess.Lock()
	bridgeID := ""
	if sess.Bridge != nil {
		bridgeID = sess.Bridge.BridgeID
	}
	sess.Unlock()

	if bridgeID == "" {
		bridgeID = "bridge-" + sess.ID
		if _, err := m.tc.CreateBridge(ctx, bridgeID, "mixing"); err != nil {
			m.logger.Error("create bridge failed", "session_id", sess.ID, "error", err)
			return
		}
		sess.Lock()
		sess.EnsureBridge(bridgeID)
		sess.Unlock()
	}

	if err := m.tc.AddChannelToBridge(ctx, bridgeID, channelID); err != nil {
		m.logger.Error("add channel to bridge failed", "bridge", bridgeID, "channel", channelID, "error", err)
		return
	}
	sess.Lock()
	sess.Bridge.Members[channelID] = true
	sess.Unlock()
}

func findLegByChannel(sess *Session, channelID string) (*Leg, LegDirection) {
	for dir, leg := range sess.Legs {
		if leg.ChannelID == channelID {
			return leg, dir
		}
	}
	return nil, ""
}

func channelFromTargetURI(uri string) (string, bool) {
	const prefix = "channel:"
	if len(uri) > len(prefix) && uri[:len(prefix)] == prefix {
		return uri[len(prefix):], true
	}
	return "", false
}
