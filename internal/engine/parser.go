package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// reply is one parsed model response: either a final answer or a thought
// plus an action.
type reply struct {
	thought string
	final   string // set iff the model emitted FINAL
	tool    string
	args    map[string]any
}

// parseReply extracts THOUGHT/ACTION or FINAL from raw model output.
// The parser is tolerant of surrounding prose and code fences but strict
// about the action shape itself.
func parseReply(raw string) (*reply, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	out := &reply{}

	if idx := indexMarker(text, "FINAL:"); idx >= 0 {
		out.final = strings.TrimSpace(text[idx+len("FINAL:"):])
		if out.final == "" {
			return nil, fmt.Errorf("empty FINAL answer")
		}
		if tIdx := indexMarker(text[:idx], "THOUGHT:"); tIdx >= 0 {
			out.thought = strings.TrimSpace(text[tIdx+len("THOUGHT:") : idx])
		}
		return out, nil
	}

	aIdx := indexMarker(text, "ACTION:")
	if aIdx < 0 {
		return nil, fmt.Errorf("reply contains neither ACTION nor FINAL")
	}

	if tIdx := indexMarker(text[:aIdx], "THOUGHT:"); tIdx >= 0 {
		out.thought = strings.TrimSpace(text[tIdx+len("THOUGHT:") : aIdx])
	}

	action := strings.TrimSpace(text[aIdx+len("ACTION:"):])
	// Keep only the first line's worth of the call; the closing paren may
	// span lines when the JSON is pretty-printed.
	open := strings.Index(action, "(")
	if open < 0 {
		return nil, fmt.Errorf("action %q has no argument list", firstLine(action))
	}
	name := strings.TrimSpace(action[:open])
	if name == "" || strings.ContainsAny(name, " \t\n") {
		return nil, fmt.Errorf("malformed tool name %q", name)
	}

	end := strings.LastIndex(action, ")")
	if end < open {
		return nil, fmt.Errorf("action %q is missing its closing parenthesis", name)
	}

	argText := strings.TrimSpace(action[open+1 : end])
	args := map[string]any{}
	if argText != "" {
		if err := json.Unmarshal([]byte(argText), &args); err != nil {
			return nil, fmt.Errorf("action %q arguments are not valid JSON: %v", name, err)
		}
	}

	out.tool = name
	out.args = args
	return out, nil
}

// indexMarker finds a marker at the start of a line, so prose mentioning
// "FINAL:" mid-sentence is not mistaken for the directive.
func indexMarker(text, marker string) int {
	if strings.HasPrefix(text, marker) {
		return 0
	}
	idx := strings.Index(text, "\n"+marker)
	if idx < 0 {
		return -1
	}
	return idx + 1
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
