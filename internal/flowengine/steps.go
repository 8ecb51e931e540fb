package flowengine

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/voxdialer/voxdialer/internal/scenario"
	"github.com/voxdialer/voxdialer/internal/session"
	"github.com/voxdialer/voxdialer/internal/sttllm"
)

func execEntry(_ context.Context, _ *Engine, _ *session.Session, _ *scenario.Scenario, step scenario.Step) (bool, string) {
	return false, step.Next
}

func execWait(_ context.Context, _ *Engine, _ *session.Session, _ *scenario.Scenario, _ scenario.Step) (bool, string) {
	return true, ""
}

func execHangup(ctx context.Context, e *Engine, sess *session.Session, _ *scenario.Scenario, _ scenario.Step) (bool, string) {
	sess.Lock()
	sess.SetMetaBool("engine_initiated_hangup", true)
	sess.Unlock()
	channelID := customerLeg(sess)
	if channelID != "" {
		if err := e.tc.HangupChannel(ctx, channelID, "normal"); err != nil {
			e.logger.Error("hangup step failed", "session_id", sess.ID, "error", err)
		}
	}
	return true, ""
}

func execSetResult(ctx context.Context, e *Engine, sess *session.Session, _ *scenario.Scenario, step scenario.Step) (bool, string) {
	sess.SetResult(step.Result, true)
	e.reportFinish(ctx, sess)
	if step.Next == "" {
		return true, ""
	}
	return false, step.Next
}

func execCheckRetryLimit(_ context.Context, _ *Engine, sess *session.Session, _ *scenario.Scenario, step scenario.Step) (bool, string) {
	sess.Lock()
	key := "retry_" + step.Counter
	count, _ := strconv.Atoi(sess.Meta(key))
	count++
	sess.SetMeta(key, strconv.Itoa(count))
	sess.Unlock()

	if count <= step.MaxCount {
		return false, step.WithinLimit
	}
	return false, step.Exceeded
}

// execClassifyIntent classifies the transcript recorded by the most recent
// record step and stamps the intent onto that utterance.
func execClassifyIntent(ctx context.Context, e *Engine, sess *session.Session, scn *scenario.Scenario, step scenario.Step) (bool, string) {
	sess.Lock()
	u := sess.LastUtterance()
	sess.Unlock()
	if u == nil || u.Transcript == "" {
		return false, step.Next
	}

	intent, err := e.classifier.Classify(ctx, e.llmModel, scn.LLM.PromptTemplate, u.Transcript, scn.LLM.IntentCategories, scn.LLM.FallbackTokens)
	if err != nil {
		if qe, ok := sttllm.AsQuotaError(err); ok {
			e.logger.Error("llm quota exhausted", "session_id", sess.ID, "reason", qe.Reason)
			sess.SetResult("failed:llm_quota", true)
			e.reportFinish(ctx, sess)
			if channelID := customerLeg(sess); channelID != "" {
				_ = e.tc.HangupChannel(ctx, channelID, "normal")
			}
			return true, ""
		}
		e.logger.Error("classify_intent failed", "session_id", sess.ID, "error", err)
		intent = scenario.IntentUnknown
	}

	sess.Lock()
	if len(sess.Responses) > 0 {
		sess.Responses[len(sess.Responses)-1].Intent = intent
	}
	sess.Unlock()
	return false, step.Next
}

// execConfirmNumber handles the "number_question" intent (the contact
// asking where their number came from): it re-runs the scenario author's
// re-prompt loop (wired via Next) up to MaxAttempts times before giving up
// at OnNoMatch. Any other intent is treated as a confirmation.
func execConfirmNumber(_ context.Context, _ *Engine, sess *session.Session, _ *scenario.Scenario, step scenario.Step) (bool, string) {
	sess.Lock()
	intent := ""
	if u := sess.LastUtterance(); u != nil {
		intent = u.Intent
	}
	sess.Unlock()

	if intent != scenario.IntentNumberQuestion {
		sess.Lock()
		sess.SetMeta("confirmed_number", sess.Meta("contact_number"))
		sess.Unlock()
		return false, step.Next
	}

	sess.Lock()
	key := "confirm_attempts_" + step.StepID
	attempts, _ := strconv.Atoi(sess.Meta(key))
	attempts++
	sess.SetMeta(key, strconv.Itoa(attempts))
	sess.Unlock()

	if attempts > step.MaxAttempts {
		return false, step.OnNoMatch
	}
	return false, step.Next
}

func execRouteByIntent(_ context.Context, e *Engine, sess *session.Session, _ *scenario.Scenario, step scenario.Step) (bool, string) {
	intent := sess.LastIntent()
	if target, ok := step.Routes[intent]; ok {
		return false, target
	}
	if target, ok := step.Routes[scenario.IntentUnknown]; ok {
		return false, target
	}
	e.logger.Warn("route_by_intent has no route for intent and no unknown fallback", "session_id", sess.ID, "intent", intent, "step", step.StepID)
	return true, ""
}

// execPlayPrompt starts playback and suspends until PlaybackFinished. The
// prompt key "onhold" is reserved: resumePlayback re-loops it instead of
// advancing while the operator is not yet connected (spec.md §4.3).
func execPlayPrompt(ctx context.Context, e *Engine, sess *session.Session, scn *scenario.Scenario, step scenario.Step) (bool, string) {
	channelID := customerLeg(sess)
	if channelID == "" {
		e.logger.Warn("play_prompt with no customer channel", "session_id", sess.ID, "step", step.StepID)
		return false, step.Next
	}
	media := scn.Prompts[step.Prompt]
	if media == "" {
		e.logger.Warn("play_prompt references undeclared prompt key", "session_id", sess.ID, "prompt", step.Prompt)
		return false, step.Next
	}

	pbID, err := e.tc.PlayOnChannel(ctx, channelID, media, "")
	if err != nil {
		e.logger.Error("play_prompt failed, continuing without playback", "session_id", sess.ID, "error", err)
		return false, step.Next
	}

	sess.Lock()
	sess.Playbacks[pbID] = step.Prompt
	sess.SetMeta("pending_playback_next", step.Next)
	sess.SetMeta("pending_playback_channel", channelID)
	sess.SetMeta("pending_playback_media", media)
	sess.Unlock()
	return true, ""
}

func (e *Engine) resumePlayback(ctx context.Context, sess *session.Session, playbackID string) {
	sess.Lock()
	promptKey, tracked := sess.Playbacks[playbackID]
	delete(sess.Playbacks, playbackID)
	next := sess.Meta("pending_playback_next")
	channelID := sess.Meta("pending_playback_channel")
	media := sess.Meta("pending_playback_media")
	sess.Unlock()

	if !tracked {
		return
	}
	if sess.Hungup() {
		return
	}

	sess.Lock()
	operatorConnected := sess.MetaBool("operator_connected")
	sess.Unlock()

	if promptKey == scenario.ReservedPromptOnhold && !operatorConnected {
		newID, err := e.tc.PlayOnChannel(ctx, channelID, media, "")
		if err != nil {
			e.logger.Error("re-looping onhold prompt failed", "session_id", sess.ID, "error", err)
			return
		}
		sess.Lock()
		sess.Playbacks[newID] = promptKey
		sess.Unlock()
		return
	}

	sess.Lock()
	sess.SetMeta("pending_playback_next", "")
	sess.SetMeta("pending_playback_channel", "")
	sess.SetMeta("pending_playback_media", "")
	sess.Unlock()

	if next == "" {
		return
	}
	e.resumeAt(ctx, sess, next)
}

// startOnholdLoop begins the reserved onhold prompt on the customer
// channel without a flow-graph successor; resumePlayback keeps it looping
// on its own until operator_connected is set.
func (e *Engine) startOnholdLoop(ctx context.Context, sess *session.Session, scn *scenario.Scenario) {
	channelID := customerLeg(sess)
	media := scn.Prompts[scenario.ReservedPromptOnhold]
	if channelID == "" || media == "" {
		return
	}
	pbID, err := e.tc.PlayOnChannel(ctx, channelID, media, "")
	if err != nil {
		e.logger.Error("starting onhold prompt failed", "session_id", sess.ID, "error", err)
		return
	}
	sess.Lock()
	sess.Playbacks[pbID] = scenario.ReservedPromptOnhold
	sess.Unlock()
}

func (e *Engine) stopOnholdLoop(ctx context.Context, sess *session.Session) {
	sess.Lock()
	var stale []string
	for id, key := range sess.Playbacks {
		if key == scenario.ReservedPromptOnhold {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		delete(sess.Playbacks, id)
	}
	sess.Unlock()
	for _, id := range stale {
		if err := e.tc.StopPlayback(ctx, id); err != nil {
			e.logger.Debug("stop onhold playback failed", "session_id", sess.ID, "error", err)
		}
	}
}

// execRecord starts a recording on the bridge (if one exists) or the
// customer channel, and suspends until the recording completes.
func execRecord(ctx context.Context, e *Engine, sess *session.Session, scn *scenario.Scenario, step scenario.Step) (bool, string) {
	bridgeID, channelID := recordTarget(sess)
	if bridgeID == "" && channelID == "" {
		e.logger.Warn("record step with no target", "session_id", sess.ID, "step", step.StepID)
		return false, step.OnFailure
	}

	name := fmt.Sprintf("rec-%s-%s", sess.ID, step.StepID)
	e.sessions.RegisterRecording(sess.ID, name)

	var err error
	if bridgeID != "" {
		err = e.tc.RecordBridge(ctx, bridgeID, name, scn.STT.MaxDuration, scn.STT.MaxSilence, "wav")
	} else {
		err = e.tc.RecordChannel(ctx, channelID, name, scn.STT.MaxDuration, scn.STT.MaxSilence, "wav")
	}
	if err != nil {
		e.logger.Error("record step failed to start", "session_id", sess.ID, "error", err)
		return false, step.OnFailure
	}

	sess.Lock()
	sess.SetMeta("pending_record_next", step.Next)
	sess.SetMeta("pending_record_on_empty", step.OnEmpty)
	sess.SetMeta("pending_record_on_failure", step.OnFailure)
	sess.SetMeta("recording_phase", step.StepID)
	sess.SetMeta("recording_name", name)
	sess.Unlock()
	return true, ""
}

const (
	minVoicedDurationSeconds = 0.1
	minVoicedRMS             = 0.001
	minVoicedBytes           = 800
)

func (e *Engine) resumeRecording(ctx context.Context, sess *session.Session, name string) {
	sess.Lock()
	if sess.Meta("recording_name") != name {
		sess.Unlock()
		return
	}
	next := sess.Meta("pending_record_next")
	onEmpty := sess.Meta("pending_record_on_empty")
	onFailure := sess.Meta("pending_record_on_failure")
	phase := sess.Meta("recording_phase")
	sess.ClearRecordingPending()
	sess.Unlock()

	if sess.Hungup() {
		return
	}

	audio, err := e.tc.FetchStoredRecording(ctx, name)
	if err != nil {
		e.logger.Error("fetching stored recording failed", "session_id", sess.ID, "name", name, "error", err)
		e.resumeAt(ctx, sess, onFailure)
		return
	}

	if isSilentRecording(audio) {
		e.resumeAt(ctx, sess, onEmpty)
		return
	}

	scn := e.scenarioFor(sess)
	opts := sttllm.TranscribeOptions{Model: e.sttModel}
	if scn != nil {
		opts.Hotwords = scn.STT.Hotwords
	}
	transcript, err := e.stt.Transcribe(ctx, audio, name+".wav", opts)
	if err != nil {
		if qe, ok := sttllm.AsQuotaError(err); ok {
			e.logger.Error("stt quota exhausted", "session_id", sess.ID, "reason", qe.Reason)
			sess.SetResult("failed:vira_quota", true)
			e.reportFinish(ctx, sess)
			if channelID := customerLeg(sess); channelID != "" {
				_ = e.tc.HangupChannel(ctx, channelID, "normal")
			}
			return
		}
		e.logger.Error("transcription failed", "session_id", sess.ID, "error", err)
		e.resumeAt(ctx, sess, onFailure)
		return
	}
	if transcript == "" {
		e.resumeAt(ctx, sess, onEmpty)
		return
	}

	sess.Lock()
	sess.AppendResponse(phase, transcript, "")
	sess.Unlock()
	e.resumeAt(ctx, sess, next)
}

func (e *Engine) resumeRecordingFailed(ctx context.Context, sess *session.Session, name, cause string) {
	sess.Lock()
	if sess.Meta("recording_name") != name {
		sess.Unlock()
		return
	}
	onFailure := sess.Meta("pending_record_on_failure")
	sess.ClearRecordingPending()
	sess.Unlock()
	e.logger.Warn("recording failed", "session_id", sess.ID, "name", name, "cause", cause)
	if sess.Hungup() {
		return
	}
	e.resumeAt(ctx, sess, onFailure)
}

// isSilentRecording reports whether audio is too short or too quiet to
// have captured real speech (spec.md §4.3: duration <0.1s OR normalized
// RMS <0.001 OR <800 raw bytes). It treats the payload as 16-bit PCM
// following a standard WAV header, which is how RecordChannel/RecordBridge
// are configured to store recordings (format "wav").
func isSilentRecording(audio []byte) bool {
	if len(audio) < minVoicedBytes {
		return true
	}
	samples, sampleRate := pcmSamples(audio)
	if len(samples) == 0 {
		return true
	}
	if sampleRate > 0 {
		duration := float64(len(samples)) / float64(sampleRate)
		if duration < minVoicedDurationSeconds {
			return true
		}
	}
	return normalizedRMS(samples) < minVoicedRMS
}

// pcmSamples extracts 16-bit little-endian PCM samples and the sample rate
// from a canonical WAV file. Returns (nil, 0) if the header doesn't match.
func pcmSamples(audio []byte) ([]int16, int) {
	if len(audio) < 44 || string(audio[0:4]) != "RIFF" || string(audio[8:12]) != "WAVE" {
		return nil, 0
	}
	sampleRate := int(uint32(audio[24]) | uint32(audio[25])<<8 | uint32(audio[26])<<16 | uint32(audio[27])<<24)

	offset := 12
	dataOffset, dataSize := -1, 0
	for offset+8 <= len(audio) {
		chunkID := string(audio[offset : offset+4])
		chunkSize := int(uint32(audio[offset+4]) | uint32(audio[offset+5])<<8 | uint32(audio[offset+6])<<16 | uint32(audio[offset+7])<<24)
		chunkStart := offset + 8
		if chunkID == "data" {
			dataOffset, dataSize = chunkStart, chunkSize
			break
		}
		offset = chunkStart + chunkSize
		if chunkSize%2 == 1 {
			offset++
		}
	}
	if dataOffset < 0 || dataOffset+dataSize > len(audio) {
		return nil, sampleRate
	}

	raw := audio[dataOffset : dataOffset+dataSize]
	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(uint16(raw[2*i]) | uint16(raw[2*i+1])<<8)
	}
	return samples, sampleRate
}

func normalizedRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range samples {
		normalized := float64(s) / 32768.0
		sumSquares += normalized * normalized
	}
	meanSquare := sumSquares / float64(len(samples))
	return math.Sqrt(meanSquare)
}
