// Package truncation implements continuation-request recovery for replies
// the Kiro upstream cut off at its own max-tokens limit.
package truncation

import (
	"kiro-gateway/parser"
)

// mergedResult is the concatenation of one or more response segments.
type mergedResult struct {
	Content   string
	ToolCalls []parser.ToolCall
}

// Tracker accumulates the text and tool-use state of a reply across
// continuation round-trips and decides when to stop chaining them.
type Tracker struct {
	maxContinuations int
	continuations    int
	enabled          bool
	budgetSet        bool
	remainingBudget  int
	segments         []string
	toolCalls        []parser.ToolCall
}

// NewTracker creates a tracker capped at maxContinuations chained
// continuation requests. enabled mirrors the TRUNCATION_RECOVERY config
// flag: when false, ShouldContinue never fires regardless of stop reason.
// maxTokensBudget is the client's requested max_tokens for this request; 0
// means the client left it unset, so no budget ceiling applies.
func NewTracker(maxContinuations int, enabled bool, maxTokensBudget int) *Tracker {
	return &Tracker{
		maxContinuations: maxContinuations,
		enabled:          enabled,
		budgetSet:        maxTokensBudget > 0,
		remainingBudget:  maxTokensBudget,
	}
}

// Accumulate records one response segment's content and tool calls, and
// debits the remaining max_tokens budget by the segment's estimated token
// count (~4 characters per token, matching the rest of the gateway's
// usage-estimation heuristic).
func (t *Tracker) Accumulate(content string, toolCalls []parser.ToolCall) {
	t.segments = append(t.segments, content)
	t.toolCalls = append(t.toolCalls, toolCalls...)
	t.remainingBudget -= len(content) / 4
}

// ShouldContinue reports whether another continuation request should be
// issued: truncation recovery must be enabled, the upstream must have
// stopped on maxTokens, the continuation budget must not yet be exhausted,
// and the client's own max_tokens budget (if any) must still have room.
func (t *Tracker) ShouldContinue(stopReason string) bool {
	if !t.enabled {
		return false
	}
	if stopReason != "maxTokens" {
		return false
	}
	if t.continuations >= t.maxContinuations {
		return false
	}
	if t.budgetSet && t.remainingBudget <= 0 {
		return false
	}
	t.continuations++
	return true
}

// ContinuationCount returns how many continuation requests have been issued
// so far.
func (t *Tracker) ContinuationCount() int {
	return t.continuations
}

// Merged concatenates every accumulated segment and tool call into one
// seamless result, with no boundary marker between continuations.
func (t *Tracker) Merged() mergedResult {
	var content string
	for _, s := range t.segments {
		content += s
	}
	return mergedResult{Content: content, ToolCalls: t.toolCalls}
}
