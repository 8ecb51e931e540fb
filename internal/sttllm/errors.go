// Package sttllm provides bounded-concurrency clients for the speech-to-text
// and LLM intent-classification providers (spec.md §4, §6).
package sttllm

import (
	"errors"
	"fmt"
)

// QuotaError signals that a provider rejected a request because the
// account's balance or token quota is exhausted. The dialer treats this
// as equivalent to the failure streak already being at threshold
// (spec.md §4.5, §7), forcing an immediate pause.
type QuotaError struct {
	Provider string // "stt", "llm" or "tts"
	Reason   string
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("sttllm: %s quota exhausted: %s", e.Provider, e.Reason)
}

// ErrEmptyTranscript is returned by the STT client when transcription
// succeeds but yields no usable text.
var ErrEmptyTranscript = errors.New("sttllm: empty transcript")

// AsQuotaError reports whether err is (or wraps) a *QuotaError.
func AsQuotaError(err error) (*QuotaError, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe, true
	}
	return nil, false
}
