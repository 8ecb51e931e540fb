// Package session owns the authoritative call-session table: one entry per
// end-to-end call interaction, its call legs, its bridge, and the indices
// the session manager uses to route PBX events back to the right session.
package session

import (
	"sync"
	"time"
)

// LegDirection identifies which role a call leg plays within a session.
type LegDirection string

const (
	LegInbound  LegDirection = "inbound"
	LegOutbound LegDirection = "outbound"
	LegOperator LegDirection = "operator"
)

// LegState is the lifecycle state of a single call leg.
type LegState string

const (
	LegCreated  LegState = "created"
	LegRinging  LegState = "ringing"
	LegAnswered LegState = "answered"
	LegHungup   LegState = "hungup"
	LegFailed   LegState = "failed"
)

// Status is the overall lifecycle state of a session.
type Status string

const (
	StatusInitiating Status = "initiating"
	StatusRinging    Status = "ringing"
	StatusActive     Status = "active"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Leg is one participant channel within a session.
type Leg struct {
	ChannelID string
	Direction LegDirection
	Endpoint  string
	State     LegState
}

// Bridge is the PBX-side mixing object joining the session's legs.
type Bridge struct {
	BridgeID string
	Members  map[string]bool // channel ids currently joined
}

// Utterance is one phase's transcription result.
type Utterance struct {
	Phase      string
	Transcript string
	Intent     string
}

// Session is one end-to-end call interaction.
type Session struct {
	mu sync.Mutex

	ID     string
	Legs   map[LegDirection]*Leg
	Bridge *Bridge
	Status Status

	Metadata map[string]string

	Playbacks map[string]string // playback id -> symbolic prompt key

	Responses []Utterance

	Result string

	ProcessedRecordings map[string]bool

	CreatedAt time.Time
}

// New creates an empty session in the "initiating" state.
func New(id string) *Session {
	return &Session{
		ID:                  id,
		Legs:                make(map[LegDirection]*Leg),
		Metadata:            make(map[string]string),
		Playbacks:           make(map[string]string),
		ProcessedRecordings: make(map[string]bool),
		Status:              StatusInitiating,
		CreatedAt:           time.Now(),
	}
}

// Lock/Unlock expose the per-session lock so callers (the manager, the flow
// engine) can group several mutations into one critical section without a
// second layer of locking primitives.
func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// SetMeta sets a metadata key. Caller must hold the session lock.
func (s *Session) SetMeta(key, value string) {
	s.Metadata[key] = value
}

// Meta reads a metadata key. Caller must hold the session lock.
func (s *Session) Meta(key string) string {
	return s.Metadata[key]
}

// MetaBool reports whether a flag metadata key is set to "1".
func (s *Session) MetaBool(key string) bool {
	return s.Metadata[key] == "1"
}

// SetMetaBool sets a flag metadata key to "1" or deletes it.
func (s *Session) SetMetaBool(key string, v bool) {
	if v {
		s.Metadata[key] = "1"
	} else {
		delete(s.Metadata, key)
	}
}

// ClearRecordingPending drops the continuation metadata left by a record
// step once it has resumed. Caller must hold the session lock.
func (s *Session) ClearRecordingPending() {
	delete(s.Metadata, "pending_record_next")
	delete(s.Metadata, "pending_record_on_empty")
	delete(s.Metadata, "pending_record_on_failure")
	delete(s.Metadata, "recording_phase")
	delete(s.Metadata, "recording_name")
}

// Hungup reports whether the session has already begun teardown. Used by
// the flow engine to bail out of step execution promptly, per spec.
func (s *Session) Hungup() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Metadata["hungup"] == "1"
}

// MarkHungup flags the session as tearing down.
func (s *Session) MarkHungup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Metadata["hungup"] = "1"
}

// LastUtterance returns the most recent recorded utterance, or nil.
func (s *Session) LastUtterance() *Utterance {
	if len(s.Responses) == 0 {
		return nil
	}
	u := s.Responses[len(s.Responses)-1]
	return &u
}

// LastIntent returns the intent of the most recent utterance, or "".
func (s *Session) LastIntent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.LastUtterance()
	if u == nil {
		return ""
	}
	return u.Intent
}

// AppendResponse records a new utterance. Caller must hold the session lock.
func (s *Session) AppendResponse(phase, transcript, intent string) {
	s.Responses = append(s.Responses, Utterance{Phase: phase, Transcript: transcript, Intent: intent})
}

// SetResult sets the session's final outcome token. Per spec.md's "result
// is monotonic" invariant: only a forcing write may overwrite an existing
// non-empty result, except that "missed" and "user_didnt_answer" are
// themselves weak placeholders and may be replaced even by a non-forcing
// write.
func (s *Session) SetResult(result string, force bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Result == "" || force || s.Result == "missed" || s.Result == "user_didnt_answer" {
		s.Result = result
		return true
	}
	return false
}

// GetResult returns the current result token.
func (s *Session) GetResult() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Result
}

// EnsureBridge returns the session's bridge, creating an empty placeholder
// record if none exists yet (the actual PBX-side bridge is created by the
// manager; this just tracks membership locally). Caller must hold the lock.
func (s *Session) EnsureBridge(bridgeID string) *Bridge {
	if s.Bridge == nil {
		s.Bridge = &Bridge{BridgeID: bridgeID, Members: make(map[string]bool)}
	}
	return s.Bridge
}
