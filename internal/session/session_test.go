package session

import "testing"

func TestSetResult_FirstWriteSticks(t *testing.T) {
	s := New("sess-1")

	if ok := s.SetResult("answered_interested", false); !ok {
		t.Fatal("expected first write to succeed")
	}
	if ok := s.SetResult("not_interested", false); ok {
		t.Fatal("expected second non-forced write to be rejected")
	}
	if got := s.GetResult(); got != "answered_interested" {
		t.Errorf("GetResult() = %q, want %q", got, "answered_interested")
	}
}

func TestSetResult_ForceOverwrites(t *testing.T) {
	s := New("sess-2")

	s.SetResult("user_didnt_answer", false)
	if ok := s.SetResult("answered_interested", true); !ok {
		t.Fatal("expected forced write to succeed")
	}
	if got := s.GetResult(); got != "answered_interested" {
		t.Errorf("GetResult() = %q, want %q", got, "answered_interested")
	}
}

func TestSetResult_WeakPlaceholdersOverridableWithoutForce(t *testing.T) {
	s := New("sess-4")

	s.SetResult("missed", true)
	if ok := s.SetResult("answered_interested", false); !ok {
		t.Fatal("expected a non-forced write to replace a \"missed\" placeholder")
	}
	if got := s.GetResult(); got != "answered_interested" {
		t.Errorf("GetResult() = %q, want %q", got, "answered_interested")
	}

	s2 := New("sess-5")
	s2.SetResult("user_didnt_answer", true)
	if ok := s2.SetResult("not_interested", false); !ok {
		t.Fatal("expected a non-forced write to replace a \"user_didnt_answer\" placeholder")
	}
	if got := s2.GetResult(); got != "not_interested" {
		t.Errorf("GetResult() = %q, want %q", got, "not_interested")
	}
}

func TestMarkHungup(t *testing.T) {
	s := New("sess-3")
	if s.Hungup() {
		t.Fatal("new session should not be hungup")
	}
	s.MarkHungup()
	if !s.Hungup() {
		t.Fatal("expected session to be marked hungup")
	}
}

func TestAppendResponseAndLastIntent(t *testing.T) {
	s := New("sess-4")

	s.Lock()
	s.AppendResponse("intro", "yes I'm interested", "interested")
	s.Unlock()

	if got := s.LastIntent(); got != "interested" {
		t.Errorf("LastIntent() = %q, want %q", got, "interested")
	}

	s.Lock()
	s.AppendResponse("followup", "no thanks", "not_interested")
	s.Unlock()

	if got := s.LastIntent(); got != "not_interested" {
		t.Errorf("LastIntent() = %q, want %q", got, "not_interested")
	}
}

func TestEnsureBridge(t *testing.T) {
	s := New("sess-5")

	s.Lock()
	b1 := s.EnsureBridge("bridge-1")
	b2 := s.EnsureBridge("bridge-2")
	s.Unlock()

	if b1 != b2 {
		t.Fatal("EnsureBridge should return the same bridge once created")
	}
	if b1.BridgeID != "bridge-1" {
		t.Errorf("BridgeID = %q, want %q", b1.BridgeID, "bridge-1")
	}
}

func TestMetaBoolRoundtrip(t *testing.T) {
	s := New("sess-6")

	s.Lock()
	defer s.Unlock()

	if s.MetaBool("finished_reported") {
		t.Fatal("flag should default to false")
	}
	s.SetMetaBool("finished_reported", true)
	if !s.MetaBool("finished_reported") {
		t.Fatal("expected flag to be set")
	}
	s.SetMetaBool("finished_reported", false)
	if s.MetaBool("finished_reported") {
		t.Fatal("expected flag to be cleared")
	}
}
