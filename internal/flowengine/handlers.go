package flowengine

import (
	"context"

	"github.com/voxdialer/voxdialer/internal/scenario"
	"github.com/voxdialer/voxdialer/internal/session"
)

// Ensure Engine satisfies session.ScenarioHandler.
var _ session.ScenarioHandler = (*Engine)(nil)

// OnInboundChannelCreated assigns an inbound-enabled scenario (round-robin,
// spec.md §4.7) and starts its inbound flow. The channel is already
// answered and bridged by the session manager by the time this fires.
func (e *Engine) OnInboundChannelCreated(sess *session.Session) {
	go e.startInboundFlow(e.rootCtx, sess)
}

func (e *Engine) startInboundFlow(ctx context.Context, sess *session.Session) {
	scn, ok := e.registry.NextInbound(e.company)
	if !ok {
		e.logger.Warn("no inbound scenario available, hanging up", "session_id", sess.ID)
		_ = e.tc.HangupChannel(ctx, customerLeg(sess), "normal")
		return
	}

	sess.Lock()
	sess.SetMeta("scenario", scn.Name)
	sess.SetMetaBool("flow_inbound", true)
	sess.Unlock()

	entry, ok := scenario.EntryStep(scn.InboundFlow)
	if !ok {
		e.logger.Error("inbound flow has no entry step", "scenario", scn.Name)
		return
	}
	e.executeFrom(ctx, sess, scn.InboundFlow, entry.Next)
}

// OnCallAnswered starts the main flow once the outbound contact leg
// answers, or hands operator-leg answers to the transfer protocol.
// Inbound-leg answers are ignored: OnInboundChannelCreated already started
// that session's flow.
func (e *Engine) OnCallAnswered(sess *session.Session, leg session.LegDirection) {
	switch leg {
	case session.LegOperator:
		go e.handleOperatorAnswered(e.rootCtx, sess)
	case session.LegOutbound:
		go e.startMainFlow(e.rootCtx, sess)
	}
}

func (e *Engine) startMainFlow(ctx context.Context, sess *session.Session) {
	sess.Lock()
	already := sess.MetaBool("flow_started")
	sess.SetMetaBool("flow_started", true)
	scenarioName := sess.Meta("scenario")
	sess.Unlock()
	if already {
		return
	}

	scn, ok := e.registry.Get(scenarioName)
	if !ok {
		e.logger.Error("outbound session has unknown scenario", "session_id", sess.ID, "scenario", scenarioName)
		return
	}
	entry, ok := scenario.EntryStep(scn.Flow)
	if !ok {
		e.logger.Error("flow has no entry step", "scenario", scn.Name)
		return
	}
	e.executeFrom(ctx, sess, scn.Flow, entry.Next)
}

// OnCallFailed handles the operator leg failing to connect (busy, failed,
// or a hangup cause indicating congestion); it drives retryNextAgent.
// Ordinary customer-leg failures are classified later, at hangup.
func (e *Engine) OnCallFailed(sess *session.Session, leg session.LegDirection) {
	if leg != session.LegOperator {
		return
	}
	if sess.MetaBool("operator_connected") {
		return
	}
	go e.retryNextAgent(e.rootCtx, sess, "operator leg failed to connect")
}

// OnCallHangup applies the hangup-cause and intent-driven result
// classification (spec.md §4.4) if no stronger result already won. This is
// pure in-memory work, so it runs inline on the caller's goroutine.
func (e *Engine) OnCallHangup(sess *session.Session) {
	classifyOnHangup(sess)
}

// OnCallFinished delivers the session's final panel report. Report
// delivery can block on network I/O, so it always runs on its own
// goroutine to keep the session manager's event dispatch loop unblocked.
func (e *Engine) OnCallFinished(sess *session.Session) {
	go func() {
		finalizeResult(sess)
		e.reportFinish(e.rootCtx, sess)
	}()
}

// OnPlaybackFinished resumes a suspended play_prompt step, or loops the
// reserved "onhold" prompt while an operator transfer is still pending.
func (e *Engine) OnPlaybackFinished(sess *session.Session, playbackID string) {
	go e.resumePlayback(e.rootCtx, sess, playbackID)
}

// OnRecordingFinished resumes a suspended record step: fetch, check for
// emptiness, transcribe, and branch.
func (e *Engine) OnRecordingFinished(sess *session.Session, name string) {
	go e.resumeRecording(e.rootCtx, sess, name)
}

// OnRecordingFailed resumes a suspended record step directly at its
// on_failure successor.
func (e *Engine) OnRecordingFailed(sess *session.Session, name, cause string) {
	go e.resumeRecordingFailed(e.rootCtx, sess, name, cause)
}
