// Package panel is the client for the external panel service that supplies
// contact batches, agent/scenario rosters, and receives per-call outcome
// reports (spec.md §4.4, §6).
package panel

// Contact is one phone number pulled from a panel batch.
type Contact struct {
	ID          string `json:"id,omitempty"`
	PhoneNumber string `json:"phone_number"`
}

// Batch is one page of outbound work.
type Batch struct {
	BatchID string    `json:"batch_id"`
	Numbers []Contact `json:"numbers"`
}

// NextBatchResponse is the response shape of GET /api/dialer/next-batch.
type NextBatchResponse struct {
	CallAllowed       bool     `json:"call_allowed"`
	RetryAfterSeconds int      `json:"retry_after_seconds,omitempty"`
	Batch             Batch    `json:"batch"`
	ActiveAgents      []string `json:"active_agents,omitempty"`
	InboundAgents     []string `json:"inbound_agents,omitempty"`
	OutboundAgents    []string `json:"outbound_agents,omitempty"`
	ActiveScenarios   []string `json:"active_scenarios,omitempty"`
	OutboundLines     []string `json:"outbound_lines,omitempty"`
	Timezone          string   `json:"timezone,omitempty"`
	ServerTime        string   `json:"server_time,omitempty"`
	ScheduleVersion   string   `json:"schedule_version,omitempty"`
	Reason            string   `json:"reason,omitempty"`
}

// Status is the closed set of panel-facing outcome statuses (spec.md §4.4).
type Status string

const (
	StatusConnected     Status = "CONNECTED"
	StatusInboundCall   Status = "INBOUND_CALL"
	StatusNotInterested Status = "NOT_INTERESTED"
	StatusMissed        Status = "MISSED"
	StatusHangup        Status = "HANGUP"
	StatusDisconnected  Status = "DISCONNECTED"
	StatusUnknown       Status = "UNKNOWN"
	StatusBusy          Status = "BUSY"
	StatusPowerOff      Status = "POWER_OFF"
	StatusBanned        Status = "BANNED"
	StatusFailed        Status = "FAILED"
)

// Report is the payload posted to /api/dialer/report-result.
type Report struct {
	NumberID     string `json:"number_id,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	Status       Status `json:"status"`
	Reason       string `json:"reason"`
	AttemptedAt  string `json:"attempted_at"`
	BatchID      string `json:"batch_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	AgentPhone   string `json:"agent_phone,omitempty"`
	UserMessage  string `json:"user_message,omitempty"`
	Scenario     string `json:"scenario"`
	OutboundLine string `json:"outbound_line"`
}

// HasIdentity reports whether the report carries enough identity to be
// meaningfully delivered (spec.md §4.4: drop entries with neither).
func (r Report) HasIdentity() bool {
	return r.NumberID != "" || r.PhoneNumber != ""
}
