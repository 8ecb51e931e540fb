// Package flowengine interprets scenario step graphs against live call
// sessions: it is the conversational interpreter of spec.md §4.3. One
// Engine serves every session in the process; it implements
// session.ScenarioHandler and is wired into the session manager during
// the single post-init phase described in spec.md §9.
package flowengine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/voxdialer/voxdialer/internal/scenario"
	"github.com/voxdialer/voxdialer/internal/session"
	"github.com/voxdialer/voxdialer/internal/sttllm"
	"github.com/voxdialer/voxdialer/internal/telephony"
)

// StepExecutor runs one step against a session and reports how the engine
// should continue: suspend (wait for an external event to resume) or
// proceed immediately to the returned step id (empty means halt).
type StepExecutor func(ctx context.Context, e *Engine, sess *session.Session, scn *scenario.Scenario, step scenario.Step) (suspend bool, next string)

// Engine is the process-wide step-graph walker.
type Engine struct {
	tc         *telephony.Client
	sessions   *session.Manager
	registry   *scenario.Registry
	stt        *sttllm.STTClient
	llm        *sttllm.LLMClient
	classifier *sttllm.Classifier
	lines      LineSource
	reports    ReportSink

	executors map[string]StepExecutor

	agentBusy sync.Map // agent phone (string) -> bool
	rrAgents  sync.Map // roster key (string) -> *atomic.Uint64

	roster Roster

	company          string
	sttModel         string
	llmModel         string
	operatorTimeout  time.Duration
	operatorCallerID string
	outboundTrunk    string
	operatorTrunk    string

	rootCtx context.Context

	logger *slog.Logger
}

// Config bundles the construction-time parameters an Engine needs beyond
// its collaborators, mirroring the teacher's small option-struct pattern.
type Config struct {
	Company          string
	STTModel         string
	LLMModel         string
	OperatorTimeout  time.Duration
	OperatorCallerID string
	OutboundTrunk    string
	OperatorTrunk    string
}

// New builds an Engine. sessions, registry, the telephony client, and the
// STT/LLM clients are shared, process-wide singletons; lines and reports
// are wired in during the post-init phase once the dialer and panel client
// exist (see SetLineSource, SetReportSink).
func New(tc *telephony.Client, sessions *session.Manager, registry *scenario.Registry, stt *sttllm.STTClient, llm *sttllm.LLMClient, cfg Config, logger *slog.Logger) *Engine {
	e := &Engine{
		tc:               tc,
		sessions:         sessions,
		registry:         registry,
		stt:              stt,
		llm:              llm,
		classifier:       sttllm.NewClassifier(llm),
		executors:        make(map[string]StepExecutor),
		company:          cfg.Company,
		sttModel:         cfg.STTModel,
		llmModel:         cfg.LLMModel,
		operatorTimeout:  cfg.OperatorTimeout,
		operatorCallerID: cfg.OperatorCallerID,
		outboundTrunk:    cfg.OutboundTrunk,
		operatorTrunk:    cfg.OperatorTrunk,
		rootCtx:          context.Background(),
		logger:           logger.With("component", "flow_engine"),
	}
	e.registerBuiltins()
	return e
}

// SetContext installs the process-lifetime context that background step
// execution (anything spawned from a ScenarioHandler callback) runs under.
// Cancelling it stops in-flight originations and HTTP calls on shutdown.
func (e *Engine) SetContext(ctx context.Context) { e.rootCtx = ctx }

// RegisterExecutor installs a step executor for a step type, overriding any
// built-in for that type. Mirrors the teacher's RegisterHandler pattern in
// internal/flow/engine.go.
func (e *Engine) RegisterExecutor(stepType string, fn StepExecutor) {
	e.executors[stepType] = fn
}

// SetLineSource wires the dialer's line-reservation gate in after both
// sides are constructed.
func (e *Engine) SetLineSource(l LineSource) { e.lines = l }

// SetReportSink wires the panel client in after both sides are constructed.
func (e *Engine) SetReportSink(r ReportSink) { e.reports = r }

// SetRoster replaces the agent roster used by operator transfers. main.go
// calls it once at startup with the dialer's roster, which starts from the
// static configured phones and, when UsePanelAgents is set, is refreshed by
// the dialer itself after each panel fetch.
func (e *Engine) SetRoster(r Roster) { e.roster = r }

func (e *Engine) registerBuiltins() {
	e.executors[scenario.StepEntry] = execEntry
	e.executors[scenario.StepPlayPrompt] = execPlayPrompt
	e.executors[scenario.StepRecord] = execRecord
	e.executors[scenario.StepClassifyIntent] = execClassifyIntent
	e.executors[scenario.StepRouteByIntent] = execRouteByIntent
	e.executors[scenario.StepCheckRetryLimit] = execCheckRetryLimit
	e.executors[scenario.StepSetResult] = execSetResult
	e.executors[scenario.StepTransferToOperator] = execTransferToOperator
	e.executors[scenario.StepDisconnect] = execHangup
	e.executors[scenario.StepHangup] = execHangup
	e.executors[scenario.StepWait] = execWait
	e.executors[scenario.StepConfirmNumber] = execConfirmNumber
}

// executeFrom walks the step graph starting at stepID until a step suspends
// or the flow runs off the end. It never holds the session lock across an
// executor call (spec.md §4.3).
func (e *Engine) executeFrom(ctx context.Context, sess *session.Session, flow []scenario.Step, stepID string) {
	for stepID != "" {
		if sess.Hungup() {
			return
		}
		step, ok := scenario.StepByID(flow, stepID)
		if !ok {
			e.logger.Error("step not found", "session_id", sess.ID, "step", stepID)
			return
		}
		sess.Lock()
		sess.SetMeta("current_step", step.StepID)
		sess.Unlock()

		exec, ok := e.executors[step.Type]
		if !ok {
			e.logger.Error("no executor registered for step type", "session_id", sess.ID, "type", step.Type)
			return
		}

		suspend, next := exec(ctx, e, sess, e.scenarioFor(sess), step)
		if suspend {
			return
		}
		stepID = next
	}
}

// scenarioFor returns the scenario currently assigned to sess.
func (e *Engine) scenarioFor(sess *session.Session) *scenario.Scenario {
	sess.Lock()
	name := sess.Meta("scenario")
	sess.Unlock()
	scn, ok := e.registry.Get(name)
	if !ok {
		return nil
	}
	return scn
}

// flowFor returns the flow graph currently active for sess: the inbound
// flow if flow_inbound metadata is set, otherwise the main flow.
func (e *Engine) flowFor(sess *session.Session, scn *scenario.Scenario) []scenario.Step {
	sess.Lock()
	inbound := sess.MetaBool("flow_inbound")
	sess.Unlock()
	if inbound {
		return scn.InboundFlow
	}
	return scn.Flow
}

// resumeAt continues flow execution at stepID using sess's currently
// assigned scenario and flow.
func (e *Engine) resumeAt(ctx context.Context, sess *session.Session, stepID string) {
	scn := e.scenarioFor(sess)
	if scn == nil {
		e.logger.Error("resume with no scenario assigned", "session_id", sess.ID)
		return
	}
	e.executeFrom(ctx, sess, e.flowFor(sess, scn), stepID)
}

// customerLeg returns the channel id of the human caller's leg: the
// inbound leg if present, otherwise the outbound leg.
func customerLeg(sess *session.Session) string {
	sess.Lock()
	defer sess.Unlock()
	if leg, ok := sess.Legs[session.LegInbound]; ok && leg.ChannelID != "" {
		return leg.ChannelID
	}
	if leg, ok := sess.Legs[session.LegOutbound]; ok {
		return leg.ChannelID
	}
	return ""
}

// recordTarget returns the bridge id if one exists, else the customer
// channel id, per spec.md §4.3's "record the customer channel (or the
// session bridge, if present)".
func recordTarget(sess *session.Session) (bridgeID, channelID string) {
	sess.Lock()
	if sess.Bridge != nil {
		bridgeID = sess.Bridge.BridgeID
	}
	sess.Unlock()
	if bridgeID != "" {
		return bridgeID, ""
	}
	return "", customerLeg(sess)
}
