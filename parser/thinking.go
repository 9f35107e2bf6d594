package parser

import (
	log "github.com/sirupsen/logrus"
)

// ThinkingHandlingMode defines how to handle thinking blocks
type ThinkingHandlingMode string

const (
	ThinkingHandlingAsReasoningContent ThinkingHandlingMode = "as_reasoning_content"
	ThinkingHandlingRemove             ThinkingHandlingMode = "remove"
	ThinkingHandlingPass               ThinkingHandlingMode = "pass"
	ThinkingHandlingStripTags          ThinkingHandlingMode = "strip_tags"
	// ThinkingHandlingSyntheticOnMissing behaves like as_reasoning_content
	// when the upstream produced a real thinking block, but injects a
	// minimal placeholder reasoning block when it didn't, so clients that
	// expect a reasoning_content field always receive one.
	ThinkingHandlingSyntheticOnMissing ThinkingHandlingMode = "synthetic_on_missing"
)

// SyntheticThinkingPlaceholder is the minimal reasoning block injected by
// ThinkingHandlingSyntheticOnMissing when the upstream response never
// opened a thinking tag.
const SyntheticThinkingPlaceholder = "(no explicit reasoning was produced for this response)"

// ThinkingParseResult represents the result of parsing thinking content
type ThinkingParseResult struct {
	ThinkingContent      string
	RegularContent       string
	IsFirstThinkingChunk bool
	IsLastThinkingChunk  bool
}

// thinkingState is one of the extractor FSM's six states: OUTSIDE,
// SEEN_LT/BUFFERING_TAG (collapsed into one buffering state), INSIDE_THINKING,
// INSIDE_THINKING_SEEN_LT/BUFFERING_CLOSE (collapsed the same way).
type thinkingState int

const (
	stateOutside thinkingState = iota
	stateBufferingTag
	stateInsideThinking
	stateBufferingClose
)

// defaultMaxThinkingChars approximates a 4000 token cap at roughly 4
// characters per token.
const defaultMaxThinkingChars = 16000

// ThinkingParser is a character-by-character FSM that scans a concatenated
// text-delta stream for a thinking/reasoning block delimited by one of a
// configurable set of open-tag literals, splitting the stream into a
// visible channel and a reasoning channel.
type ThinkingParser struct {
	handlingMode      ThinkingHandlingMode
	openTags          []string
	initialBufferSize int
	maxChars          int

	state  thinkingState
	buffer string // lookahead while SEEN_LT/BUFFERING_TAG or BUFFERING_CLOSE

	thinkingTagOpen  string
	thinkingTagClose string

	thinkingContent string
	charsEmitted    int
	firstChunkSent  bool
	foundThinking   bool
	inThinking      bool
	thinkingEnded   bool
}

// NewThinkingParser creates a new thinking parser. initialBufferSize is kept
// for configuration compatibility; the FSM itself needs no fixed buffer
// since its lookahead never exceeds the longest candidate tag literal.
func NewThinkingParser(handlingMode ThinkingHandlingMode, openTags []string, initialBufferSize int) *ThinkingParser {
	if len(openTags) == 0 {
		openTags = []string{"<thinking>", "alettek", "<reasoning>", "<thought>"}
	}

	return &ThinkingParser{
		handlingMode:      handlingMode,
		openTags:          openTags,
		initialBufferSize: initialBufferSize,
		maxChars:          defaultMaxThinkingChars,
	}
}

// Feed processes one chunk of text character by character and returns the
// visible/reasoning content it produced.
func (p *ThinkingParser) Feed(content string) *ThinkingParseResult {
	result := &ThinkingParseResult{}

	if p.thinkingEnded {
		result.RegularContent = content
		return result
	}

	var visible, reasoning []byte
	wasFirstChunk := !p.firstChunkSent
	endedBefore := p.thinkingEnded

	for i := 0; i < len(content); i++ {
		p.step(content[i], &visible, &reasoning)
	}

	closedThisCall := p.thinkingEnded && !endedBefore

	if len(reasoning) > 0 || closedThisCall {
		if wasFirstChunk && len(reasoning) > 0 {
			result.IsFirstThinkingChunk = true
			p.firstChunkSent = true
		}
		p.thinkingContent += string(reasoning)
		result.ThinkingContent = p.processForOutput(string(reasoning), result.IsFirstThinkingChunk, closedThisCall)
	}
	if len(visible) > 0 {
		result.RegularContent = string(visible)
	}
	if closedThisCall {
		result.IsLastThinkingChunk = true
	}

	return result
}

func (p *ThinkingParser) step(c byte, visible, reasoning *[]byte) {
	switch p.state {
	case stateOutside:
		if c == '<' {
			p.buffer = string(c)
			p.state = stateBufferingTag
			return
		}
		*visible = append(*visible, c)

	case stateBufferingTag:
		p.buffer += string(c)

		if tag, ok := p.matchOpenTag(); ok {
			p.thinkingTagOpen = tag
			p.thinkingTagClose = closeTagFor(tag)
			p.foundThinking = true
			p.inThinking = true
			p.state = stateInsideThinking
			p.buffer = ""
			log.Debugf("Found thinking tag: %s", tag)
			return
		}
		if !p.anyOpenTagCouldMatch() {
			*visible = append(*visible, []byte(p.buffer)...)
			p.buffer = ""
			p.state = stateOutside
		}

	case stateInsideThinking:
		if p.charsEmitted >= p.maxChars {
			// Hard cap reached: force closure, redirect everything after
			// to visible without waiting for the close tag.
			p.inThinking = false
			p.thinkingEnded = true
			p.state = stateOutside
			*visible = append(*visible, c)
			return
		}
		if c == '<' {
			p.buffer = string(c)
			p.state = stateBufferingClose
			return
		}
		*reasoning = append(*reasoning, c)
		p.charsEmitted++

	case stateBufferingClose:
		p.buffer += string(c)

		if p.buffer == p.thinkingTagClose {
			p.inThinking = false
			p.thinkingEnded = true
			p.state = stateOutside
			p.buffer = ""
			log.Debug("Thinking block processing completed")
			return
		}
		if !hasPrefix(p.thinkingTagClose, p.buffer) {
			*reasoning = append(*reasoning, []byte(p.buffer)...)
			p.charsEmitted += len(p.buffer)
			p.buffer = ""
			p.state = stateInsideThinking
		}
	}
}

// matchOpenTag reports whether the buffered lookahead exactly equals one of
// the candidate open tags.
func (p *ThinkingParser) matchOpenTag() (string, bool) {
	for _, tag := range p.openTags {
		if p.buffer == tag {
			return tag, true
		}
	}
	return "", false
}

// anyOpenTagCouldMatch reports whether the buffered lookahead is still a
// prefix of at least one candidate open tag.
func (p *ThinkingParser) anyOpenTagCouldMatch() bool {
	for _, tag := range p.openTags {
		if hasPrefix(tag, p.buffer) {
			return true
		}
	}
	return false
}

func hasPrefix(s, prefix string) bool {
	if len(prefix) > len(s) {
		return false
	}
	return s[:len(prefix)] == prefix
}

func closeTagFor(openTag string) string {
	switch openTag {
	case "alettek":
		return "alettek"
	case "<thinking>":
		return "</thinking>"
	case "<reasoning>":
		return "</reasoning>"
	case "<thought>":
		return "</thought>"
	default:
		if len(openTag) > 1 && openTag[0] == '<' {
			return "</" + openTag[1:]
		}
		return openTag
	}
}

// processForOutput processes content for output based on handling mode
func (p *ThinkingParser) processForOutput(content string, isFirst, isLast bool) string {
	switch p.handlingMode {
	case ThinkingHandlingRemove:
		return ""
	case ThinkingHandlingPass:
		if isFirst {
			content = p.thinkingTagOpen + content
		}
		if isLast {
			content = content + p.thinkingTagClose
		}
		return content
	case ThinkingHandlingStripTags:
		return content
	case ThinkingHandlingAsReasoningContent:
		fallthrough
	default:
		return content
	}
}

// Finalize finalizes parsing and returns any remaining content. If the
// stream ends mid-tag or mid-thinking-block, the block is closed implicitly
// and a WARNING is logged.
func (p *ThinkingParser) Finalize() *ThinkingParseResult {
	result := &ThinkingParseResult{}

	switch p.state {
	case stateBufferingTag:
		result.RegularContent = p.buffer
		p.buffer = ""

	case stateInsideThinking, stateBufferingClose:
		log.Warn("Stream ended inside an open thinking block; closing implicitly")
		remainder := p.buffer
		if p.state == stateInsideThinking {
			remainder = ""
		}
		p.thinkingContent += remainder
		result.ThinkingContent = p.processForOutput(remainder, !p.firstChunkSent, true)
		result.IsLastThinkingChunk = true
		p.buffer = ""
		p.inThinking = false
		p.thinkingEnded = true
	}

	return result
}

// FoundThinkingBlock returns whether a thinking block was found
func (p *ThinkingParser) FoundThinkingBlock() bool {
	return p.foundThinking
}
