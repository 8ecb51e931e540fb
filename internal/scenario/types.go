// Package scenario loads YAML-declared call flows, validates their step
// graphs, and serves round-robin selection of the scenarios enabled for a
// given company (spec.md §3, §6).
package scenario

// Step is one node of a scenario's flow graph. Fields beyond StepID and
// Type are interpreted according to Type, per spec.md §4.3.
type Step struct {
	StepID string `yaml:"step"`
	Type   string `yaml:"type"`

	// play_prompt
	Prompt string `yaml:"prompt,omitempty"`

	// play_prompt, record, classify_intent, set_result
	Next string `yaml:"next,omitempty"`

	// record
	OnEmpty   string `yaml:"on_empty,omitempty"`
	OnFailure string `yaml:"on_failure,omitempty"`

	// route_by_intent
	Routes map[string]string `yaml:"routes,omitempty"`

	// check_retry_limit
	Counter     string `yaml:"counter,omitempty"`
	MaxCount    int    `yaml:"max_count,omitempty"`
	WithinLimit string `yaml:"within_limit,omitempty"`
	Exceeded    string `yaml:"exceeded,omitempty"`

	// set_result
	Result string `yaml:"result,omitempty"`

	// transfer_to_operator
	AgentType string `yaml:"agent_type,omitempty"`
	OnSuccess string `yaml:"on_success,omitempty"`

	// confirm_number (supplemental step, grounded in the original marketing
	// outreach flow's spoken-digit confirmation loop). Re-prompts up to
	// MaxAttempts times before falling through to OnNoMatch; on a match,
	// continues at Next with metadata["confirmed_number"] set.
	OnNoMatch   string `yaml:"on_no_match,omitempty"`
	MaxAttempts int    `yaml:"max_attempts,omitempty"`
}

// Step type discriminators (spec.md §4.3).
const (
	StepEntry              = "entry"
	StepPlayPrompt         = "play_prompt"
	StepRecord             = "record"
	StepClassifyIntent     = "classify_intent"
	StepRouteByIntent      = "route_by_intent"
	StepCheckRetryLimit    = "check_retry_limit"
	StepSetResult          = "set_result"
	StepTransferToOperator = "transfer_to_operator"
	StepDisconnect         = "disconnect"
	StepHangup             = "hangup"
	StepWait               = "wait"
	StepConfirmNumber      = "confirm_number"
)

// ReservedPromptOnhold is played in a loop while an operator leg is being
// established (spec.md GLOSSARY).
const ReservedPromptOnhold = "onhold"

// Reserved intent values every scenario may branch on regardless of its
// declared intent_categories (spec.md GLOSSARY).
const (
	IntentYes            = "yes"
	IntentNo             = "no"
	IntentNumberQuestion = "number_question"
	IntentUnknown        = "unknown"
)

// STTConfig carries the transcription tuning for a scenario.
type STTConfig struct {
	Hotwords    []string `yaml:"hotwords,omitempty"`
	MaxDuration int      `yaml:"max_duration"`
	MaxSilence  int      `yaml:"max_silence"`
}

// LLMConfig carries the intent-classification tuning for a scenario.
type LLMConfig struct {
	PromptTemplate   string              `yaml:"prompt_template"`
	IntentCategories []string            `yaml:"intent_categories"`
	FallbackTokens   map[string][]string `yaml:"fallback_tokens,omitempty"`
}

// Scenario is one immutable YAML-declared call flow.
type Scenario struct {
	Name        string            `yaml:"name"`
	DisplayName string            `yaml:"display_name"`
	PanelName   string            `yaml:"panel_name"`
	Company     string            `yaml:"company,omitempty"`
	Prompts     map[string]string `yaml:"prompts"`
	STT         STTConfig         `yaml:"stt"`
	LLM         LLMConfig         `yaml:"llm"`
	Flow        []Step            `yaml:"flow"`
	InboundFlow []Step            `yaml:"inbound_flow,omitempty"`
}

// scenarioFile is the root document shape: one scenario per file.
type scenarioFile struct {
	Scenario Scenario `yaml:"scenario"`
}

// StepByID returns the step with the given id within flow, or false.
func StepByID(flow []Step, id string) (Step, bool) {
	for _, s := range flow {
		if s.StepID == id {
			return s, true
		}
	}
	return Step{}, false
}

// EntryStep returns the entry step of flow, or false if none is declared.
func EntryStep(flow []Step) (Step, bool) {
	for _, s := range flow {
		if s.Type == StepEntry {
			return s, true
		}
	}
	return Step{}, false
}
