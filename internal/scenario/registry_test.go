package scenario

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
scenario:
  name: demo_outreach
  display_name: "Demo Outreach"
  panel_name: demo
  company: acme
  prompts:
    hello: "sound:hello"
    goodbye: "sound:goodbye"
  stt:
    hotwords: ["بله", "نه"]
    max_duration: 15
    max_silence: 3
  llm:
    prompt_template: "classify: {transcript}"
    intent_categories: ["yes", "no"]
  flow:
    - step: start
      type: entry
      next: greet
    - step: greet
      type: play_prompt
      prompt: hello
      next: ask
    - step: ask
      type: record
      next: classify
      on_empty: retry
      on_failure: bye
    - step: retry
      type: check_retry_limit
      counter: retry_count
      max_count: 1
      within_limit: greet
      exceeded: bye
    - step: classify
      type: classify_intent
      next: route
      on_failure: bye
    - step: route
      type: route_by_intent
      routes:
        yes: transfer
        no: bye
    - step: transfer
      type: transfer_to_operator
      agent_type: outbound
      on_success: done
      on_failure: bye
    - step: done
      type: set_result
      result: connected_to_operator
    - step: bye
      type: hangup
`

func writeSampleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("writing fixture: %v", err)
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

func TestLoadDir_ValidScenario(t *testing.T) {
	dir := t.TempDir()
	writeSampleFile(t, dir, "demo.yaml", sampleYAML)

	r := NewRegistry(testLogger())
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	names := r.Names()
	if len(names) != 1 || names[0] != "demo_outreach" {
		t.Fatalf("Names() = %v, want [demo_outreach]", names)
	}

	sc, ok := r.Get("demo_outreach")
	if !ok {
		t.Fatal("expected scenario to be present")
	}
	if sc.PanelName != "demo" {
		t.Errorf("PanelName = %q, want demo", sc.PanelName)
	}
}

func TestLoadDir_RejectsBrokenReference(t *testing.T) {
	dir := t.TempDir()
	broken := `
scenario:
  name: broken
  display_name: broken
  panel_name: broken
  prompts: {}
  stt: {max_duration: 10, max_silence: 2}
  llm: {prompt_template: "x", intent_categories: []}
  flow:
    - step: start
      type: entry
      next: nowhere
`
	writeSampleFile(t, dir, "broken.yaml", broken)

	r := NewRegistry(testLogger())
	if err := r.LoadDir(dir); err == nil {
		t.Fatal("expected LoadDir to reject a flow with a dangling reference")
	}
}

func TestNextOutbound_RoundRobinsAcrossCompanyMatches(t *testing.T) {
	dir := t.TempDir()
	writeSampleFile(t, dir, "a.yaml", sampleYAML)

	second := strings.ReplaceAll(sampleYAML, "demo_outreach", "demo_outreach_2")
	writeSampleFile(t, dir, "b.yaml", second)

	r := NewRegistry(testLogger())
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		sc, ok := r.NextOutbound("acme")
		if !ok {
			t.Fatal("expected a scenario to be selected")
		}
		seen[sc.Name]++
	}
	if seen["demo_outreach"] != 2 || seen["demo_outreach_2"] != 2 {
		t.Fatalf("expected even round-robin split, got %v", seen)
	}
}

func TestNextOutbound_FiltersByCompany(t *testing.T) {
	dir := t.TempDir()
	writeSampleFile(t, dir, "a.yaml", sampleYAML)

	r := NewRegistry(testLogger())
	if err := r.LoadDir(dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}

	if _, ok := r.NextOutbound("other_company"); ok {
		t.Fatal("expected no scenario to match an unrelated company")
	}
}
