package flowengine

import (
	"context"
	"testing"

	"github.com/voxdialer/voxdialer/internal/panel"
	"github.com/voxdialer/voxdialer/internal/scenario"
	"github.com/voxdialer/voxdialer/internal/session"
)

func newHangupSession() *session.Session {
	sess := session.New("hangup-test")
	sess.Legs[session.LegOutbound] = &session.Leg{ChannelID: "chan-1", Direction: session.LegOutbound, State: session.LegAnswered}
	return sess
}

func TestClassifyOnHangup_OperatorConnectedShortCircuits(t *testing.T) {
	sess := newHangupSession()
	sess.Metadata["operator_connected"] = "1"
	sess.SetResult("connected_to_operator", true)

	classifyOnHangup(sess)

	if got := sess.GetResult(); got != "connected_to_operator" {
		t.Fatalf("result = %q, want connected_to_operator unchanged", got)
	}
}

func TestClassifyOnHangup_OperatorConnectedPromotesInboundDirect(t *testing.T) {
	sess := newHangupSession()
	sess.Metadata["operator_connected"] = "1"
	sess.Metadata["flow_inbound"] = "1"

	classifyOnHangup(sess)

	if got := sess.GetResult(); got != "inbound_call" {
		t.Fatalf("result = %q, want inbound_call", got)
	}
}

func TestClassifyOnHangup_OperatorCallStartedForcesDisconnected(t *testing.T) {
	sess := newHangupSession()
	sess.Metadata["operator_call_started"] = "1"

	classifyOnHangup(sess)

	if got := sess.GetResult(); got != "disconnected" {
		t.Fatalf("result = %q, want disconnected", got)
	}
}

func TestClassifyOnHangup_CauseCodeClassification(t *testing.T) {
	tests := []struct {
		name   string
		cause  string
		want   string
	}{
		{"normal clearing", "16", "hangup"},
		{"user busy", "17", "busy"},
		{"unallocated number", "1", "power_off"},
		{"call rejected", "21", "banned"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newHangupSession()
			sess.Metadata["hangup_cause"] = tt.cause

			classifyOnHangup(sess)

			if got := sess.GetResult(); got != tt.want {
				t.Fatalf("result = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyOnHangup_CauseDoesNotOverwriteStrongerResult(t *testing.T) {
	sess := newHangupSession()
	sess.SetResult("not_interested", true)
	sess.Metadata["hangup_cause"] = "16"

	classifyOnHangup(sess)

	if got := sess.GetResult(); got != "not_interested" {
		t.Fatalf("result = %q, want not_interested preserved", got)
	}
}

func TestClassifyOnHangup_RequestTerminatedTextFallsBackToMissed(t *testing.T) {
	sess := newHangupSession()
	sess.Metadata["hangup_cause"] = "999"
	sess.Metadata["hangup_cause_txt"] = "SIP 487 Request Terminated"

	classifyOnHangup(sess)

	if got := sess.GetResult(); got != "missed" {
		t.Fatalf("result = %q, want missed", got)
	}
}

func TestClassifyOnHangup_IntentDrivenFallback(t *testing.T) {
	tests := []struct {
		name   string
		intent string
		want   string
	}{
		{"yes intent", scenario.IntentYes, "disconnected"},
		{"no intent", scenario.IntentNo, "not_interested"},
		{"unknown intent", scenario.IntentUnknown, "hangup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := newHangupSession()
			sess.Responses = append(sess.Responses, session.Utterance{Phase: "main", Transcript: "x", Intent: tt.intent})

			classifyOnHangup(sess)

			if got := sess.GetResult(); got != tt.want {
				t.Fatalf("result = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassifyOnHangup_IntentFallbackUsesFailedPrefixWhenEngineInitiated(t *testing.T) {
	sess := newHangupSession()
	sess.Metadata["engine_initiated_hangup"] = "1"

	classifyOnHangup(sess)

	if got := sess.GetResult(); got != "failed:hangup" {
		t.Fatalf("result = %q, want failed:hangup", got)
	}
}

func TestClassifyOnHangup_IntentFallbackDoesNotOverwriteNotInterested(t *testing.T) {
	sess := newHangupSession()
	sess.SetResult("not_interested", true)

	classifyOnHangup(sess)

	if got := sess.GetResult(); got != "not_interested" {
		t.Fatalf("result = %q, want not_interested preserved (not in overwritableByIntent)", got)
	}
}

func TestFinalizeResult_DefaultsWhenEmpty(t *testing.T) {
	sess := newHangupSession()
	finalizeResult(sess)
	if sess.Result != "user_didnt_answer" {
		t.Fatalf("Result = %q, want user_didnt_answer", sess.Result)
	}

	inbound := newHangupSession()
	inbound.Metadata["flow_inbound"] = "1"
	finalizeResult(inbound)
	if inbound.Result != "inbound_call" {
		t.Fatalf("Result = %q, want inbound_call", inbound.Result)
	}
}

func TestFinalizeResult_PromotesInboundDirect(t *testing.T) {
	sess := newHangupSession()
	sess.Metadata["flow_inbound"] = "1"
	sess.Result = "hangup"

	finalizeResult(sess)

	if sess.Result != "inbound_call" {
		t.Fatalf("Result = %q, want inbound_call promotion", sess.Result)
	}
}

func TestFinalizeResult_DoesNotPromoteDisconnected(t *testing.T) {
	sess := newHangupSession()
	sess.Metadata["flow_inbound"] = "1"
	sess.Result = "disconnected"

	finalizeResult(sess)

	if sess.Result != "disconnected" {
		t.Fatalf("Result = %q, want disconnected preserved", sess.Result)
	}
}

func TestMapResultToPanel_Table(t *testing.T) {
	tests := []struct {
		result        string
		inboundDirect bool
		want          panel.Status
	}{
		{"connected_to_operator", false, panel.StatusConnected},
		{"inbound_call", false, panel.StatusInboundCall},
		{"not_interested", false, panel.StatusNotInterested},
		{"missed", false, panel.StatusMissed},
		{"user_didnt_answer", false, panel.StatusMissed},
		{"hangup", false, panel.StatusHangup},
		{"disconnected", false, panel.StatusDisconnected},
		{"disconnected", true, panel.StatusInboundCall},
		{"unknown", false, panel.StatusUnknown},
		{"failed:stt_failure_quota", false, panel.StatusNotInterested},
		{"failed:operator_failed", false, panel.StatusFailed},
		{"busy", false, panel.StatusBusy},
		{"power_off", false, panel.StatusPowerOff},
		{"banned", false, panel.StatusBanned},
	}
	for _, tt := range tests {
		t.Run(tt.result, func(t *testing.T) {
			got, _ := mapResultToPanel(tt.result, tt.inboundDirect)
			if got != tt.want {
				t.Fatalf("mapResultToPanel(%q, %v) = %q, want %q", tt.result, tt.inboundDirect, got, tt.want)
			}
		})
	}
}

// fakeReportSink records every report delivered to it.
type fakeReportSink struct {
	reports []panel.Report
}

func (f *fakeReportSink) ReportResult(_ context.Context, report panel.Report) error {
	f.reports = append(f.reports, report)
	return nil
}

func TestReportFinish_SkipsWithoutIdentity(t *testing.T) {
	e, _ := newTestEngine(t, newFakeARI())
	sink := &fakeReportSink{}
	e.SetReportSink(sink)

	sess := newHangupSession()
	sess.SetResult("hangup", true)

	e.reportFinish(context.Background(), sess)

	if len(sink.reports) != 0 {
		t.Fatalf("expected no report without number_id/phone_number, got %d", len(sink.reports))
	}
}

func TestReportFinish_DedupsSameMappedStatus(t *testing.T) {
	e, _ := newTestEngine(t, newFakeARI())
	sink := &fakeReportSink{}
	e.SetReportSink(sink)

	sess := newHangupSession()
	sess.Metadata["number_id"] = "n1"
	sess.Metadata["contact_number"] = "+15551234"
	sess.SetResult("connected_to_operator", true)

	e.reportFinish(context.Background(), sess)
	e.reportFinish(context.Background(), sess)

	if len(sink.reports) != 1 {
		t.Fatalf("expected exactly one report for an unchanged mapped status, got %d", len(sink.reports))
	}
}

func TestReportFinish_AllowsDistinctStatusAcrossCalls(t *testing.T) {
	e, _ := newTestEngine(t, newFakeARI())
	sink := &fakeReportSink{}
	e.SetReportSink(sink)

	sess := newHangupSession()
	sess.Metadata["number_id"] = "n1"
	sess.Metadata["contact_number"] = "+15551234"

	sess.SetResult("connected_to_operator", true)
	e.reportFinish(context.Background(), sess)

	sess.SetResult("disconnected", true)
	e.reportFinish(context.Background(), sess)

	if len(sink.reports) != 2 {
		t.Fatalf("expected a second report once the mapped status changed, got %d", len(sink.reports))
	}
}

func TestReportFinish_UsesScenarioPanelName(t *testing.T) {
	e, _ := newTestEngine(t, newFakeARI())
	loadScenario(t, e.registry, minimalFlowYAML)
	sink := &fakeReportSink{}
	e.SetReportSink(sink)

	sess := newHangupSession()
	sess.Metadata["number_id"] = "n1"
	sess.Metadata["scenario"] = "test_flow"
	sess.SetResult("hangup", true)

	e.reportFinish(context.Background(), sess)

	if len(sink.reports) != 1 {
		t.Fatalf("expected one report, got %d", len(sink.reports))
	}
	if sink.reports[0].Scenario != "test" {
		t.Fatalf("Scenario = %q, want panel_name %q", sink.reports[0].Scenario, "test")
	}
}
