// Package chatturn drives one operator interaction through one or more
// autonomous turns to at most one yielded agent message: prompt bundle
// assembly, the tolerant metadata-block parser over the model's visible
// reply text, loop-heat tracking, and per-conversation background-subtask
// handoff. The metadata-block parser applies the same tolerant-parsing
// posture used elsewhere in the loop, here applied to metadata blocks instead of
// tool-call/tool-result pairing).
package chatturn

import (
	"encoding/json"
	"regexp"
	"strings"
)

// ParsedTurn is the visible text plus every metadata block extracted from
// one assistant reply.
type ParsedTurn struct {
	VisibleText string
	ToolCalls   json.RawMessage
	Thinking    string
	Media       json.RawMessage
	Concerns    json.RawMessage
	TurnControl TurnControl
}

// TurnControl is the parsed [turn_control] JSON body.
type TurnControl struct {
	Decision    string `json:"decision"`
	Status      string `json:"status"`
	UserMessage string `json:"user_message,omitempty"`
}

var blockPattern = regexp.MustCompile(`(?is)\[(tool_calls|thinking|media|concerns|turn_control)\](.*?)(?:\[/(?:tool_calls|thinking|media|concerns|turn_control)\]|$)`)

// ParseMetadataBlocks extracts every `[name]...[/name]` metadata block from
// raw reply text and returns the remaining visible text alongside the
// parsed blocks. Missing closing markers are treated as end-of-message, per
// the metadata block grammar.
func ParseMetadataBlocks(raw string) ParsedTurn {
	var out ParsedTurn
	visible := blockPattern.ReplaceAllStringFunc(raw, func(match string) string {
		sub := blockPattern.FindStringSubmatch(match)
		name, body := sub[1], cleanJSONBody(sub[2])
		switch strings.ToLower(name) {
		case "tool_calls":
			out.ToolCalls = json.RawMessage(body)
		case "thinking":
			out.Thinking = strings.TrimSpace(sub[2])
		case "media":
			out.Media = json.RawMessage(body)
		case "concerns":
			out.Concerns = json.RawMessage(body)
		case "turn_control":
			_ = json.Unmarshal([]byte(body), &out.TurnControl)
		}
		return ""
	})
	out.VisibleText = strings.TrimSpace(visible)
	return out
}

// cleanJSONBody strips code fences and normalizes smart quotes so a
// metadata block's JSON body parses even when the model wraps it in a
// markdown fence or uses curly quotes.
func cleanJSONBody(body string) string {
	b := strings.TrimSpace(body)
	b = strings.TrimPrefix(b, "```json")
	b = strings.TrimPrefix(b, "```")
	b = strings.TrimSuffix(b, "```")
	b = strings.Map(func(r rune) rune {
		switch r {
		case '“', '”':
			return '"'
		case '‘', '’':
			return '\''
		default:
			return r
		}
	}, b)
	return strings.TrimSpace(b)
}

// LooksLikeHallucinatedTranscript reports whether text resembles a
// self-authored "User: ..." turn rather than a genuine fallback message,
// a heuristic guard against the model echoing a fake conversation.
func LooksLikeHallucinatedTranscript(text string) bool {
	t := strings.TrimSpace(text)
	lower := strings.ToLower(t)
	return strings.HasPrefix(lower, "user:") || strings.HasPrefix(lower, "operator:") || strings.Contains(t, "\nUser:")
}
