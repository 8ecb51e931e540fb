package flowengine

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/voxdialer/voxdialer/internal/panel"
	"github.com/voxdialer/voxdialer/internal/scenario"
	"github.com/voxdialer/voxdialer/internal/session"
)

// causeToResult is the hangup-cause-driven classification table (spec.md
// §4.4).
var causeToResult = map[int]string{
	16: "hangup", 31: "hangup", 32: "hangup",
	17: "busy",
	0: "power_off", 1: "power_off", 3: "power_off", 18: "power_off", 19: "power_off", 20: "power_off", 22: "power_off", 27: "power_off", 38: "power_off",
	21: "banned", 34: "banned", 41: "banned", 42: "banned",
}

// overwritableByCause holds the results a hangup-cause classification may
// still replace: none yet, or one of the weak placeholders.
var overwritableByCause = map[string]bool{
	"":                  true,
	"user_didnt_answer": true,
	"missed":            true,
	"hangup":            true,
	"disconnected":      true,
}

// overwritableByIntent is the narrower set the intent-driven fallback may
// replace (spec.md §4.4).
var overwritableByIntent = map[string]bool{
	"":                  true,
	"user_didnt_answer": true,
	"missed":            true,
}

// classifyOnHangup applies the hangup-cause and intent-driven result
// classification (spec.md §4.4) if a stronger result hasn't already won.
// It is pure in-memory work: no PBX or HTTP calls, safe to run inline on
// the session manager's dispatch goroutine.
func classifyOnHangup(sess *session.Session) {
	sess.MarkHungup()

	sess.Lock()
	operatorConnected := sess.MetaBool("operator_connected")
	operatorCallStarted := sess.MetaBool("operator_call_started")
	inboundDirect := sess.MetaBool("flow_inbound")
	engineHangup := sess.MetaBool("engine_initiated_hangup")
	causeStr := sess.Meta("hangup_cause")
	causeTxt := sess.Meta("hangup_cause_txt")
	current := sess.Result
	sess.Unlock()

	if operatorConnected {
		if inboundDirect {
			sess.SetResult("inbound_call", true)
		}
		return
	}

	if operatorCallStarted {
		sess.SetResult("disconnected", true)
		return
	}

	if overwritableByCause[current] {
		if cause, err := strconv.Atoi(causeStr); err == nil {
			if result, ok := causeToResult[cause]; ok {
				sess.SetResult(result, true)
				return
			}
		}
		if strings.Contains(causeTxt, "Request Terminated") {
			sess.SetResult("missed", true)
			return
		}
	}

	if !overwritableByIntent[current] {
		return
	}

	switch sess.LastIntent() {
	case scenario.IntentYes:
		sess.SetResult("disconnected", true)
	case scenario.IntentNo:
		sess.SetResult("not_interested", true)
	default:
		if engineHangup {
			sess.SetResult("failed:hangup", true)
		} else {
			sess.SetResult("hangup", true)
		}
	}
}

// finalizeResult applies the default outcome when a session reaches
// on_call_finished with no result ever set (the contact never picked up),
// and promotes inbound-direct sessions whose result isn't already a
// terminal inbound outcome.
func finalizeResult(sess *session.Session) {
	sess.Lock()
	defer sess.Unlock()
	inboundDirect := sess.MetaBool("flow_inbound")
	if sess.Result == "" {
		if inboundDirect {
			sess.Result = "inbound_call"
		} else {
			sess.Result = "user_didnt_answer"
		}
		return
	}
	if inboundDirect && sess.Result != "inbound_call" && sess.Result != "disconnected" {
		sess.Result = "inbound_call"
	}
}

// includeUserMessage is the set of panel statuses the last transcript
// accompanies (spec.md §4.4).
var includeUserMessage = map[panel.Status]bool{
	panel.StatusUnknown:       true,
	panel.StatusDisconnected:  true,
	panel.StatusConnected:     true,
	panel.StatusNotInterested: true,
	panel.StatusInboundCall:   true,
}

// reportFinish builds and delivers the session's panel report. It is
// idempotent per distinct panel status (panel_last_status de-dup, spec.md
// §4.4): calling it again after the mapped status hasn't changed is a
// no-op, so set_result's immediate report and the later on_call_finished
// report safely coexist.
func (e *Engine) reportFinish(ctx context.Context, sess *session.Session) {
	if e.reports == nil {
		return
	}

	sess.Lock()
	result := sess.Result
	if result == "" {
		result = "unknown"
	}
	numberID := sess.Meta("number_id")
	phoneNumber := sess.Meta("contact_number")
	batchID := sess.Meta("batch_id")
	attemptedAtStr := sess.Meta("attempted_at")
	agentID := sess.Meta("operator_current_agent_id")
	agentPhone := sess.Meta("operator_current_agent_phone")
	scenarioName := sess.Meta("scenario")
	outboundLine := sess.Meta("outbound_line")
	inboundDirect := sess.MetaBool("flow_inbound")
	var userMessage string
	if u := sess.LastUtterance(); u != nil {
		userMessage = u.Transcript
	}
	sess.Unlock()

	if numberID == "" && phoneNumber == "" {
		return
	}

	status, reason := mapResultToPanel(result, inboundDirect)

	sess.Lock()
	if sess.Meta("panel_last_status") == string(status) {
		sess.Unlock()
		return
	}
	sess.SetMeta("panel_last_status", string(status))
	sess.SetMetaBool("result_reported", true)
	sess.Unlock()

	attemptedAt := attemptedAtStr
	if attemptedAt == "" {
		attemptedAt = time.Now().UTC().Format(time.RFC3339)
	}

	panelScenarioName := scenarioName
	if scn, ok := e.registry.Get(scenarioName); ok && scn.PanelName != "" {
		panelScenarioName = scn.PanelName
	}

	report := panel.Report{
		NumberID:     numberID,
		PhoneNumber:  phoneNumber,
		Status:       status,
		Reason:       reason,
		AttemptedAt:  attemptedAt,
		BatchID:      batchID,
		AgentID:      agentID,
		AgentPhone:   agentPhone,
		Scenario:     panelScenarioName,
		OutboundLine: outboundLine,
	}
	if includeUserMessage[status] {
		report.UserMessage = userMessage
	}

	if err := e.reports.ReportResult(ctx, report); err != nil {
		e.logger.Error("report delivery failed", "session_id", sess.ID, "status", status, "error", err)
	}
}

// mapResultToPanel maps an internal result token to the panel's status and
// human-readable reason string (spec.md §4.4).
func mapResultToPanel(result string, inboundDirect bool) (panel.Status, string) {
	switch {
	case result == "connected_to_operator":
		return panel.StatusConnected, "User said yes"
	case result == "inbound_call":
		return panel.StatusInboundCall, "Inbound call connected to agent"
	case result == "not_interested":
		return panel.StatusNotInterested, "User declined"
	case result == "missed" || result == "user_didnt_answer":
		return panel.StatusMissed, "No answer/busy/unreachable"
	case result == "hangup":
		return panel.StatusHangup, "Caller hung up"
	case result == "disconnected":
		if inboundDirect {
			return panel.StatusInboundCall, "Inbound call connected to agent"
		}
		return panel.StatusDisconnected, "Caller disconnected"
	case result == "unknown":
		return panel.StatusUnknown, "Unknown intent"
	case strings.HasPrefix(result, "failed:stt_failure"):
		return panel.StatusNotInterested, "User did not respond"
	case strings.HasPrefix(result, "failed:") || result == "failed":
		return panel.StatusFailed, result
	case result == "busy":
		return panel.StatusBusy, "Line busy"
	case result == "power_off":
		return panel.StatusPowerOff, "Unavailable / powered off"
	case result == "banned":
		return panel.StatusBanned, "Rejected by operator"
	default:
		return panel.StatusFailed, result
	}
}
