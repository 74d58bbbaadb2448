package engine

import (
	"testing"
)

func TestParseFinal(t *testing.T) {
	r, err := parseReply("THOUGHT: all done\nFINAL: You have 3 tasks.")
	if err != nil {
		t.Fatalf("parseReply() error = %v", err)
	}
	if r.final != "You have 3 tasks." {
		t.Errorf("final = %q", r.final)
	}
	if r.thought != "all done" {
		t.Errorf("thought = %q", r.thought)
	}
}

func TestParseAction(t *testing.T) {
	r, err := parseReply("THOUGHT: need the list\nACTION: get_tasks({\"status\": \"pending\", \"limit\": 5})")
	if err != nil {
		t.Fatalf("parseReply() error = %v", err)
	}
	if r.tool != "get_tasks" {
		t.Errorf("tool = %q, want get_tasks", r.tool)
	}
	if r.args["status"] != "pending" {
		t.Errorf("args[status] = %v", r.args["status"])
	}
	if r.args["limit"] != float64(5) {
		t.Errorf("args[limit] = %v (%T)", r.args["limit"], r.args["limit"])
	}
}

func TestParseActionEmptyArgs(t *testing.T) {
	r, err := parseReply("ACTION: stop_timer({})")
	if err != nil {
		t.Fatalf("parseReply() error = %v", err)
	}
	if r.tool != "stop_timer" || len(r.args) != 0 {
		t.Errorf("parsed = %+v, want stop_timer with no args", r)
	}
}

func TestParseMultilineArgs(t *testing.T) {
	raw := "ACTION: create_task({\n  \"title\": \"ship release\",\n  \"priority\": \"high\"\n})"
	r, err := parseReply(raw)
	if err != nil {
		t.Fatalf("parseReply() error = %v", err)
	}
	if r.args["title"] != "ship release" {
		t.Errorf("args = %v", r.args)
	}
}

func TestParseCodeFenced(t *testing.T) {
	r, err := parseReply("```\nFINAL: done\n")
	if err != nil {
		t.Fatalf("parseReply() error = %v", err)
	}
	if r.final != "done" {
		t.Errorf("final = %q", r.final)
	}
}

func TestParseMarkerMidSentenceIgnored(t *testing.T) {
	// "FINAL:" mentioned in prose must not count as a directive.
	if _, err := parseReply("I will emit FINAL: soon, I promise"); err == nil {
		t.Error("parseReply() error = nil, want malformed")
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"",
		"just some prose",
		"ACTION: get_tasks",                 // no argument list
		"ACTION: get_tasks({\"broken\": })", // invalid JSON
		"ACTION: (no name)({})",
		"FINAL:",
	}
	for _, raw := range cases {
		if _, err := parseReply(raw); err == nil {
			t.Errorf("parseReply(%q) error = nil, want malformed", raw)
		}
	}
}
