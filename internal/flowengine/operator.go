package flowengine

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/voxdialer/voxdialer/internal/scenario"
	"github.com/voxdialer/voxdialer/internal/session"
)

// Agent is one roster entry: a phone number to originate to and an
// optional panel-assigned id, carried through to the final report.
type Agent struct {
	ID    string
	Phone string
}

// Roster supplies the operator phones available for a given agent type
// ("inbound" or "outbound"). Defined here, consumer-side, so this package
// never imports whatever owns the roster directly (a static config list or
// the panel's active-agents fields).
type Roster interface {
	Agents(agentType string) []Agent
}

// execTransferToOperator begins the operator-transfer sub-protocol
// (spec.md §4.3.1): it never itself completes the transfer, only starts it
// and suspends; handleOperatorAnswered and retryNextAgent drive it the
// rest of the way from ScenarioHandler callbacks.
func execTransferToOperator(ctx context.Context, e *Engine, sess *session.Session, scn *scenario.Scenario, step scenario.Step) (bool, string) {
	if sess.Hungup() {
		return true, ""
	}

	sess.Lock()
	already := sess.MetaBool("operator_call_started")
	if !already {
		sess.SetMetaBool("operator_call_started", true)
		sess.SetMeta("operator_step_agent_type", step.AgentType)
		sess.SetMeta("operator_step_on_success", step.OnSuccess)
		sess.SetMeta("operator_step_on_failure", step.OnFailure)
	}
	sess.Unlock()
	if already {
		return true, ""
	}

	e.startOnholdLoop(ctx, sess, scn)
	if e.lines != nil {
		e.lines.RequestOperatorPriority()
	}
	e.dialNextAgent(ctx, sess)
	return true, ""
}

// dialNextAgent reserves a line and originates to the next untried,
// non-busy agent for this session's agent_type, giving up the transfer
// entirely once the roster is exhausted.
func (e *Engine) dialNextAgent(ctx context.Context, sess *session.Session) {
	if sess.Hungup() {
		e.releaseOperatorAttempt(ctx, sess)
		return
	}

	sess.Lock()
	agentType := sess.Meta("operator_step_agent_type")
	tried := splitTried(sess.Meta("operator_tried_agents"))
	sess.Unlock()

	agent, ok := e.nextAgent(agentType, tried)
	if !ok {
		e.giveUpOperatorTransfer(ctx, sess, "no agent available")
		return
	}

	e.agentBusy.Store(agent.Phone, true)
	sess.Lock()
	sess.SetMeta("operator_current_agent_phone", agent.Phone)
	sess.SetMeta("operator_current_agent_id", agent.ID)
	sess.SetMeta("operator_tried_agents", appendTried(sess.Meta("operator_tried_agents"), agent.Phone))
	sess.Unlock()

	if e.lines == nil {
		e.agentBusy.Delete(agent.Phone)
		e.retryNextAgent(ctx, sess, "no line source configured")
		return
	}
	line, ok := e.lines.ReserveLine(ctx, e.operatorTimeout)
	if !ok {
		e.agentBusy.Delete(agent.Phone)
		e.retryNextAgent(ctx, sess, "no outbound line available for operator call")
		return
	}
	sess.Lock()
	sess.SetMeta("operator_line", line)
	sess.Unlock()

	endpoint := fmt.Sprintf("PJSIP/%s@%s", agent.Phone, e.operatorTrunk)
	_, err := e.tc.Originate(ctx, endpoint, []string{"operator", sess.ID, endpoint}, e.operatorCallerID, e.operatorTimeout, nil)
	if err != nil {
		e.logger.Error("operator originate failed", "session_id", sess.ID, "agent", agent.Phone, "error", err)
		e.lines.ReleaseLine(line)
		e.agentBusy.Delete(agent.Phone)
		e.retryNextAgent(ctx, sess, "originate failed: "+err.Error())
		return
	}
}

// retryNextAgent releases the current attempt's held resources and tries
// the next agent. Called both from OnCallFailed (operator leg failed to
// connect) and from dialNextAgent's own error paths.
func (e *Engine) retryNextAgent(ctx context.Context, sess *session.Session, reason string) {
	if sess.Hungup() {
		return
	}
	e.logger.Warn("retrying operator transfer with next agent", "session_id", sess.ID, "reason", reason)
	e.releaseOperatorAttempt(ctx, sess)
	e.dialNextAgent(ctx, sess)
}

// releaseOperatorAttempt frees the agent-busy mark and line reservation
// for whichever agent the session is currently attempting, if any.
func (e *Engine) releaseOperatorAttempt(ctx context.Context, sess *session.Session) {
	sess.Lock()
	phone := sess.Meta("operator_current_agent_phone")
	line := sess.Meta("operator_line")
	sess.SetMeta("operator_current_agent_phone", "")
	sess.SetMeta("operator_line", "")
	sess.Unlock()

	if phone != "" {
		e.agentBusy.Delete(phone)
	}
	if line != "" && e.lines != nil {
		e.lines.ReleaseLine(line)
	}
}

// giveUpOperatorTransfer finalizes a failed transfer: inbound-direct
// sessions (operator transfer attempted straight off an inbound arrival)
// are treated as a plain disconnect, everything else as an operator
// failure (spec.md §4.3.1 step 4).
func (e *Engine) giveUpOperatorTransfer(ctx context.Context, sess *session.Session, reason string) {
	e.releaseOperatorAttempt(ctx, sess)
	if e.lines != nil {
		e.lines.ReleaseOperatorPriority()
	}
	e.stopOnholdLoop(ctx, sess)

	sess.Lock()
	inboundDirect := sess.MetaBool("flow_inbound")
	onFailure := sess.Meta("operator_step_on_failure")
	sess.SetMetaBool("operator_call_started", false)
	sess.Unlock()

	e.logger.Warn("operator transfer exhausted", "session_id", sess.ID, "reason", reason, "inbound_direct", inboundDirect)

	if inboundDirect {
		sess.SetResult("disconnected", true)
	} else {
		sess.SetResult("failed:operator_failed", true)
	}

	if onFailure != "" {
		e.resumeAt(ctx, sess, onFailure)
		return
	}
	if channelID := customerLeg(sess); channelID != "" {
		_ = e.tc.HangupChannel(ctx, channelID, "normal")
	}
}

// handleOperatorAnswered runs when the operator leg reaches the Up state:
// stop the onhold loop, record the connected result, and continue the
// flow at on_success if the scenario declared one.
func (e *Engine) handleOperatorAnswered(ctx context.Context, sess *session.Session) {
	if e.lines != nil {
		e.lines.ReleaseOperatorPriority()
	}
	e.stopOnholdLoop(ctx, sess)

	sess.Lock()
	inboundDirect := sess.MetaBool("flow_inbound")
	onSuccess := sess.Meta("operator_step_on_success")
	sess.SetMetaBool("operator_connected", true)
	sess.Unlock()

	if inboundDirect {
		sess.SetResult("inbound_call", true)
	} else {
		sess.SetResult("connected_to_operator", true)
	}

	if onSuccess != "" {
		e.resumeAt(ctx, sess, onSuccess)
	}
}

// nextAgent picks the next roster entry for agentType, round-robin,
// skipping phones in tried or in the process-wide agentBusy set.
func (e *Engine) nextAgent(agentType string, tried map[string]bool) (Agent, bool) {
	if e.roster == nil {
		return Agent{}, false
	}
	candidates := e.roster.Agents(agentType)
	if len(candidates) == 0 {
		return Agent{}, false
	}

	counterI, _ := e.rrAgents.LoadOrStore(agentType, new(atomic.Uint64))
	counter := counterI.(*atomic.Uint64)

	for attempt := 0; attempt < len(candidates); attempt++ {
		idx := (counter.Add(1) - 1) % uint64(len(candidates))
		candidate := candidates[idx]
		if tried[candidate.Phone] {
			continue
		}
		if busy, _ := e.agentBusy.Load(candidate.Phone); busy == true {
			continue
		}
		return candidate, true
	}
	return Agent{}, false
}

func splitTried(csv string) map[string]bool {
	tried := make(map[string]bool)
	if csv == "" {
		return tried
	}
	for _, phone := range strings.Split(csv, ",") {
		tried[phone] = true
	}
	return tried
}

func appendTried(csv, phone string) string {
	if csv == "" {
		return phone
	}
	return csv + "," + phone
}
