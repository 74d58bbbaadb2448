package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/vietanhdev/kirapilot-engine/pkg/models"
)

const systemPreamble = `You are KiraPilot, a focused productivity assistant. You help the user manage tasks, run focus timers, and understand how they spend their time. You may only act through the tools listed below. Never invent tool names or results, and never claim an action succeeded unless an observation confirms it.`

const formatDirective = `Respond with exactly one of the following forms and nothing else:

THOUGHT: <your reasoning>
ACTION: <tool_name>(<json arguments>)

or

FINAL: <your answer to the user>`

// renderCatalog serializes the tool descriptors so the model knows how to
// call each one.
func renderCatalog(tools []models.ToolDescriptor) string {
	var sb strings.Builder
	sb.WriteString("Available tools:\n")
	for _, tool := range tools {
		fmt.Fprintf(&sb, "- %s: %s\n", tool.Name, tool.Description)
		for _, p := range tool.Parameters {
			req := "optional"
			if p.Required {
				req = "required"
			}
			fmt.Fprintf(&sb, "    %s (%s, %s)", p.Name, p.Type, req)
			if len(p.EnumValues) > 0 {
				fmt.Fprintf(&sb, " one of [%s]", strings.Join(p.EnumValues, ", "))
			}
			if p.Default != nil {
				fmt.Fprintf(&sb, " default %v", p.Default)
			}
			if p.Description != "" {
				fmt.Fprintf(&sb, " - %s", p.Description)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

// renderHistory flattens prior turns into the prompt.
func renderHistory(turns []models.SessionTurn) string {
	if len(turns) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Conversation so far:\n")
	for _, turn := range turns {
		fmt.Fprintf(&sb, "User: %s\nAssistant: %s\n", turn.UserMessage, turn.Assistant)
	}
	return sb.String()
}

// renderScratchpad replays this request's steps back to the model.
func renderScratchpad(steps []scratchStep) string {
	if len(steps) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Steps taken for this request:\n")
	for _, step := range steps {
		if step.thought != "" {
			fmt.Fprintf(&sb, "THOUGHT: %s\n", step.thought)
		}
		args, _ := json.Marshal(step.args)
		fmt.Fprintf(&sb, "ACTION: %s(%s)\nOBSERVATION: %s\n", step.tool, args, step.observation)
	}
	return sb.String()
}

// buildPrompt assembles the full prompt for one loop iteration. corrective
// is non-empty after a malformed reply.
func buildPrompt(tools []models.ToolDescriptor, turns []models.SessionTurn, steps []scratchStep, message, corrective string) string {
	sections := []string{
		systemPreamble,
		renderCatalog(tools),
	}
	if h := renderHistory(turns); h != "" {
		sections = append(sections, h)
	}
	sections = append(sections, "User request: "+message)
	if sp := renderScratchpad(steps); sp != "" {
		sections = append(sections, sp)
	}
	if corrective != "" {
		sections = append(sections, "Correction: "+corrective)
	}
	sections = append(sections, formatDirective)
	return strings.Join(sections, "\n\n")
}
