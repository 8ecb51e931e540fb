package session

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voxdialer/voxdialer/internal/telephony"
)

type recordingHandler struct {
	inboundCreated []string
	answered       []LegDirection
	failed         []LegDirection
	hangups        []string
	finished       []string
	playbacksDone  []string
}

func (h *recordingHandler) OnInboundChannelCreated(sess *Session) {
	h.inboundCreated = append(h.inboundCreated, sess.ID)
}
func (h *recordingHandler) OnCallAnswered(sess *Session, leg LegDirection) {
	h.answered = append(h.answered, leg)
}
func (h *recordingHandler) OnCallFailed(sess *Session, leg LegDirection) {
	h.failed = append(h.failed, leg)
}
func (h *recordingHandler) OnCallHangup(sess *Session) {
	h.hangups = append(h.hangups, sess.ID)
}
func (h *recordingHandler) OnCallFinished(sess *Session) {
	h.finished = append(h.finished, sess.ID)
}
func (h *recordingHandler) OnPlaybackFinished(sess *Session, playbackID string) {
	h.playbacksDone = append(h.playbacksDone, playbackID)
}
func (h *recordingHandler) OnRecordingFinished(sess *Session, name string) {}
func (h *recordingHandler) OnRecordingFailed(sess *Session, name, cause string) {}

type fakeLineReservation struct {
	saturated map[string]bool
	released  []string
	cancelled []string
}

func (f *fakeLineReservation) RegisterInboundSession(sess *Session, line string) bool {
	return !f.saturated[line]
}
func (f *fakeLineReservation) ReleaseLine(line string)          { f.released = append(f.released, line) }
func (f *fakeLineReservation) CancelWaitingInbound(line string) { f.cancelled = append(f.cancelled, line) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestManager(t *testing.T) (*Manager, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/bridges":
			w.Write([]byte(`{"id":"br-1","bridge_type":"mixing","channels":[]}`))
		case r.Method == http.MethodPost && r.URL.Path == "/channels/c1/answer":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)

	tc := telephony.New(srv.URL, "", "", "voxdialer", 2*time.Second, 8, testLogger())
	mgr := NewManager(tc, []string{"0218899", "0912345"}, testLogger())
	return mgr, srv
}

func TestHandleInboundArrival_AdmitsWhenLineAvailable(t *testing.T) {
	mgr, _ := newTestManager(t)
	handler := &recordingHandler{}
	mgr.SetScenarioHandler(handler)
	lr := &fakeLineReservation{saturated: map[string]bool{}}
	mgr.SetLineReservation(lr)

	evt := telephony.Event{
		Type: telephony.EventStasisStart,
		Args: []string{"inbound"},
		Channel: &telephony.Channel{
			ID:     "c1",
			Caller: telephony.Party{Number: "09121234567"},
			Dialplan: struct {
				Exten string `json:"exten"`
			}{Exten: "0218899"},
		},
	}
	mgr.HandleEvent(context.Background(), evt)

	if len(handler.inboundCreated) != 1 {
		t.Fatalf("expected one inbound session created, got %d", len(handler.inboundCreated))
	}
	sess, ok := mgr.Session(handler.inboundCreated[0])
	if !ok {
		t.Fatal("expected session to be registered")
	}
	if sess.Meta("outbound_line") != "0218899" {
		t.Errorf("expected resolved line 0218899, got %q", sess.Meta("outbound_line"))
	}
}

func TestHandleInboundArrival_QueuesWhenSaturated(t *testing.T) {
	mgr, _ := newTestManager(t)
	handler := &recordingHandler{}
	mgr.SetScenarioHandler(handler)
	lr := &fakeLineReservation{saturated: map[string]bool{"0218899": true}}
	mgr.SetLineReservation(lr)

	evt := telephony.Event{
		Type: telephony.EventStasisStart,
		Args: []string{"inbound"},
		Channel: &telephony.Channel{
			ID:     "c2",
			Caller: telephony.Party{Number: "09121234567"},
			Dialplan: struct {
				Exten string `json:"exten"`
			}{Exten: "0218899"},
		},
	}
	mgr.HandleEvent(context.Background(), evt)

	if len(handler.inboundCreated) != 0 {
		t.Fatalf("expected call to be queued, not admitted")
	}
	if len(mgr.waitingInbound["0218899"]) != 1 {
		t.Fatalf("expected one queued waiter, got %d", len(mgr.waitingInbound["0218899"]))
	}
}

func TestCleanup_IsIdempotent(t *testing.T) {
	mgr, _ := newTestManager(t)
	handler := &recordingHandler{}
	mgr.SetScenarioHandler(handler)

	sess := mgr.CreateOutboundSession("sess-1", "09121234567", "0218899", "demo", "batch-1", "num-1")
	mgr.mu.Lock()
	mgr.channelToSession["c1"] = sess.ID
	mgr.mu.Unlock()
	sess.Legs[LegOutbound].ChannelID = "c1"

	ctx := context.Background()
	mgr.Cleanup(ctx, sess.ID)
	mgr.Cleanup(ctx, sess.ID)

	if len(handler.finished) != 1 {
		t.Fatalf("expected OnCallFinished exactly once, got %d calls", len(handler.finished))
	}
	if _, ok := mgr.Session(sess.ID); ok {
		t.Fatal("expected session to be removed from the table")
	}
}

func TestHandleHangupRequest_ClassifiesBusyAndCleansUp(t *testing.T) {
	mgr, _ := newTestManager(t)
	handler := &recordingHandler{}
	mgr.SetScenarioHandler(handler)

	sess := mgr.CreateOutboundSession("sess-2", "09121234567", "0218899", "demo", "batch-1", "num-2")
	sess.Legs[LegOutbound].ChannelID = "c3"
	mgr.mu.Lock()
	mgr.channelToSession["c3"] = sess.ID
	mgr.mu.Unlock()

	evt := telephony.Event{
		Type: telephony.EventChannelHangupRequest,
		Channel: &telephony.Channel{
			ID:       "c3",
			Cause:    17,
			CauseTxt: "User busy",
		},
	}
	mgr.HandleEvent(context.Background(), evt)

	if len(handler.failed) != 1 {
		t.Fatalf("expected OnCallFailed to fire for busy cause, got %d calls", len(handler.failed))
	}
	if len(handler.hangups) != 1 {
		t.Fatalf("expected OnCallHangup to fire once, got %d calls", len(handler.hangups))
	}
	if _, ok := mgr.Session(sess.ID); ok {
		t.Fatal("expected cleanup to have removed the session")
	}
}
