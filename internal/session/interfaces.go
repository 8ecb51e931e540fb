package session

// ScenarioHandler is the callback surface the flow engine implements so the
// session manager can notify it of call events without the two packages
// importing each other (spec's cyclic dialer/session-manager/flow-engine
// structure is broken here by an explicit interface, wired once in main).
type ScenarioHandler interface {
	OnInboundChannelCreated(sess *Session)
	OnCallAnswered(sess *Session, leg LegDirection)
	OnCallFailed(sess *Session, leg LegDirection)
	OnCallHangup(sess *Session)
	OnCallFinished(sess *Session)
	OnPlaybackFinished(sess *Session, playbackID string)
	OnRecordingFinished(sess *Session, name string)
	OnRecordingFailed(sess *Session, name, cause string)
}

// LineReservation is implemented by the dialer and lets the session manager
// admit or queue inbound arrivals without importing the dialer package.
type LineReservation interface {
	// RegisterInboundSession attempts to claim a capacity slot on line for
	// an inbound session. false means the line is saturated and the caller
	// should queue the session locally.
	RegisterInboundSession(sess *Session, line string) bool
	// CancelWaitingInbound releases a previously-queued (never-admitted)
	// waiter's reservation on line.
	CancelWaitingInbound(line string)
	// ReleaseLine returns a previously-claimed capacity slot on line.
	ReleaseLine(line string)
}

// DialerNotifier is implemented by the dialer so the session manager can
// report session completion without importing the dialer package.
type DialerNotifier interface {
	NotifySessionComplete(sessionID string)
}
