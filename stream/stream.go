// Package stream provides streaming support for Kiro Gateway.
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kiro-gateway/config"
	"kiro-gateway/converter"
	"kiro-gateway/model"
	"kiro-gateway/parser"

	log "github.com/sirupsen/logrus"
)

// KiroEvent represents a unified event from Kiro API stream
type KiroEvent struct {
	Type                   string
	Content                string
	ThinkingContent        string
	ToolUse                map[string]interface{}
	Usage                  map[string]interface{}
	ContextUsagePercentage *float64
	StopReason             string
	IsFirstThinkingChunk   bool
	IsLastThinkingChunk    bool
}

// StreamResult represents the collected stream result
type StreamResult struct {
	Content                string
	ThinkingContent        string
	ToolCalls              []parser.ToolCall
	Usage                  map[string]interface{}
	ContextUsagePercentage *float64
	StopReason             string
}

// FirstTokenTimeoutError is raised when first token timeout occurs
type FirstTokenTimeoutError struct {
	Timeout float64
}

func (e *FirstTokenTimeoutError) Error() string {
	return fmt.Sprintf("no response within %.0f seconds", e.Timeout)
}

// errReadTimeout marks a readWithDeadline call that lost its race against
// the deadline, as opposed to an error the underlying reader itself
// returned.
var errReadTimeout = errors.New("stream: read deadline exceeded")

// readResult carries the outcome of one Read performed on a background
// goroutine so the caller can race it against a deadline.
type readResult struct {
	n   int
	err error
}

// readWithDeadline performs one Read on r, racing it against d. http's
// response body doesn't expose SetReadDeadline, so the standard way to
// bound an individual Read is to run it on a goroutine and select against
// a timer; if the deadline wins, the goroutine is abandoned and its result
// discarded when the Read eventually returns.
func readWithDeadline(r io.Reader, buf []byte, d time.Duration) (int, error) {
	ch := make(chan readResult, 1)
	go func() {
		n, err := r.Read(buf)
		ch <- readResult{n, err}
	}()

	select {
	case res := <-ch:
		return res.n, res.err
	case <-time.After(d):
		return 0, errReadTimeout
	}
}

// ParseKiroStream parses Kiro SSE stream and yields events
func ParseKiroStream(
	response *http.Response,
	firstTokenTimeout float64,
	enableThinkingParser bool,
	cfg *config.Config,
) (<-chan KiroEvent, <-chan error) {
	events := make(chan KiroEvent, 100)
	errs := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errs)

		awsParser := parser.NewAwsEventStreamParser()

		var thinkingParser *parser.ThinkingParser
		if cfg.FakeReasoningEnabled && enableThinkingParser {
			thinkingParser = parser.NewThinkingParser(
				parser.ThinkingHandlingMode(cfg.FakeReasoningHandling),
				cfg.FakeReasoningOpenTags,
				cfg.FakeReasoningBufferSize,
			)
			log.Debugf("Thinking parser initialized with mode: %s", cfg.FakeReasoningHandling)
		}

		reader := bufio.NewReader(response.Body)
		idleTimeout := time.Duration(cfg.StreamingReadTimeout) * time.Second

		// Wait for the first chunk, bounded by the dispatch-to-first-byte
		// timeout rather than the idle timeout: a stuck-but-silent upstream
		// must fail fast instead of hanging for a full idle period.
		firstChunk := make([]byte, 4096)
		n, err := readWithDeadline(reader, firstChunk, time.Duration(firstTokenTimeout*float64(time.Second)))
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				errs <- &FirstTokenTimeoutError{Timeout: firstTokenTimeout}
				return
			}
			if err == io.EOF {
				log.Debug("Empty response from Kiro API")
				return
			}
			errs <- fmt.Errorf("error reading first chunk: %w", err)
			return
		}

		log.Debug("First token received")

		// Process chunks
		buffer := firstChunk[:n]

		for {
			// Process current buffer
			parsedEvents := awsParser.Feed(buffer)
			for _, event := range parsedEvents {
				kiroEvent := processAwsEvent(event, thinkingParser)
				if kiroEvent != nil {
					if kiroEvent.Type == "error" {
						errs <- fmt.Errorf("upstream error event: %s", kiroEvent.Content)
						return
					}
					events <- *kiroEvent
				}
			}

			// Read the next chunk. The deadline resets on every call, so the
			// idle timeout bounds the gap between successive reads rather
			// than the stream's total duration.
			buffer = make([]byte, 4096)
			n, err := readWithDeadline(reader, buffer, idleTimeout)
			if err != nil {
				if errors.Is(err, errReadTimeout) {
					errs <- fmt.Errorf("stream idle for longer than %v", idleTimeout)
					return
				}
				if err == io.EOF {
					break
				}
				errs <- fmt.Errorf("error reading stream: %w", err)
				return
			}
			buffer = buffer[:n]
		}

		// Finalize thinking parser
		if thinkingParser != nil {
			finalResult := thinkingParser.Finalize()
			if finalResult.ThinkingContent != "" {
				events <- KiroEvent{
					Type:                 "thinking",
					ThinkingContent:      finalResult.ThinkingContent,
					IsFirstThinkingChunk: finalResult.IsFirstThinkingChunk,
					IsLastThinkingChunk:  finalResult.IsLastThinkingChunk,
				}
			}
			if finalResult.RegularContent != "" {
				events <- KiroEvent{
					Type:    "content",
					Content: finalResult.RegularContent,
				}
			}

			if cfg.FakeReasoningHandling == string(parser.ThinkingHandlingSyntheticOnMissing) && !thinkingParser.FoundThinkingBlock() {
				events <- KiroEvent{
					Type:                 "thinking",
					ThinkingContent:      parser.SyntheticThinkingPlaceholder,
					IsFirstThinkingChunk: true,
					IsLastThinkingChunk:  true,
				}
			}
		}

		// Yield tool calls
		for _, tc := range awsParser.GetToolCalls() {
			events <- KiroEvent{
				Type: "tool_use",
				ToolUse: map[string]interface{}{
					"id":   tc.ID,
					"type": tc.Type,
					"function": map[string]interface{}{
						"name":      tc.Function.Name,
						"arguments": tc.Function.Arguments,
					},
				},
			}
		}
	}()

	return events, errs
}

func processAwsEvent(event parser.Event, thinkingParser *parser.ThinkingParser) *KiroEvent {
	switch event.Type {
	case parser.EventTypeContent:
		contentData, ok := event.Data.(parser.ContentData)
		if !ok {
			return nil
		}

		if thinkingParser != nil {
			result := thinkingParser.Feed(contentData.Content)
			if result.ThinkingContent != "" {
				return &KiroEvent{
					Type:                 "thinking",
					ThinkingContent:      result.ThinkingContent,
					IsFirstThinkingChunk: result.IsFirstThinkingChunk,
					IsLastThinkingChunk:  result.IsLastThinkingChunk,
				}
			}
			if result.RegularContent != "" {
				return &KiroEvent{
					Type:    "content",
					Content: result.RegularContent,
				}
			}
			return nil
		}

		return &KiroEvent{
			Type:    "content",
			Content: contentData.Content,
		}

	case parser.EventTypeUsage:
		usageData, ok := event.Data.(parser.UsageData)
		if !ok {
			return nil
		}
		return &KiroEvent{
			Type: "usage",
			Usage: map[string]interface{}{
				"credits": usageData.Credits,
			},
		}

	case parser.EventTypeContextUsage:
		contextData, ok := event.Data.(parser.ContextUsageData)
		if !ok {
			return nil
		}
		return &KiroEvent{
			Type:                   "context_usage",
			ContextUsagePercentage: &contextData.Percentage,
		}

	case parser.EventTypeStopReason:
		stopData, ok := event.Data.(parser.StopReasonData)
		if !ok {
			return nil
		}
		return &KiroEvent{
			Type:       "stop_reason",
			StopReason: stopData.Reason,
		}

	case parser.EventTypeError:
		errData, ok := event.Data.(parser.ErrorData)
		if !ok {
			return nil
		}
		return &KiroEvent{
			Type:    "error",
			Content: errData.Message,
		}
	}

	return nil
}

// CollectStreamResult collects full response from stream
func CollectStreamResult(
	response *http.Response,
	firstTokenTimeout float64,
	enableThinkingParser bool,
	cfg *config.Config,
) (*StreamResult, error) {
	events, errs := ParseKiroStream(response, firstTokenTimeout, enableThinkingParser, cfg)

	result := &StreamResult{}
	var fullContentForBracketTools strings.Builder

	for {
		select {
		case event, ok := <-events:
			if !ok {
				// Check for bracket-style tool calls
				bracketToolCalls := parser.ParseBracketToolCalls(fullContentForBracketTools.String())
				if len(bracketToolCalls) > 0 {
					result.ToolCalls = parser.DeduplicateToolCalls(append(result.ToolCalls, bracketToolCalls...))
				}
				return result, nil
			}

			switch event.Type {
			case "content":
				result.Content += event.Content
				fullContentForBracketTools.WriteString(event.Content)
			case "thinking":
				result.ThinkingContent += event.ThinkingContent
				fullContentForBracketTools.WriteString(event.ThinkingContent)
			case "tool_use":
				tc := parser.ToolCall{
					ID:   event.ToolUse["id"].(string),
					Type: event.ToolUse["type"].(string),
				}
				if fn, ok := event.ToolUse["function"].(map[string]interface{}); ok {
					tc.Function.Name = fn["name"].(string)
					tc.Function.Arguments = fn["arguments"].(string)
				}
				result.ToolCalls = append(result.ToolCalls, tc)
			case "usage":
				result.Usage = event.Usage
			case "context_usage":
				result.ContextUsagePercentage = event.ContextUsagePercentage
			case "stop_reason":
				result.StopReason = event.StopReason
			}

		case err := <-errs:
			if err != nil {
				return nil, err
			}
		}
	}
}

// CalculateTokensFromContextUsage calculates token counts from context usage percentage
func CalculateTokensFromContextUsage(
	contextUsagePercentage *float64,
	completionTokens int,
	modelCache *model.Cache,
	model string,
) (promptTokens, totalTokens int, promptSource, totalSource string) {
	if contextUsagePercentage != nil && *contextUsagePercentage > 0 {
		maxInputTokens := modelCache.GetMaxInputTokens(model)
		totalTokens = int((*contextUsagePercentage / 100) * float64(maxInputTokens))
		promptTokens = totalTokens - completionTokens
		if promptTokens < 0 {
			promptTokens = 0
		}
		return promptTokens, totalTokens, "subtraction", "API Kiro"
	}

	return 0, completionTokens, "unknown", "tiktoken"
}

// OpenAI Streaming

// StreamToOpenAI converts Kiro stream to OpenAI SSE format
func StreamToOpenAI(
	response *http.Response,
	model string,
	conversationID string,
	firstTokenTimeout float64,
	enableThinkingParser bool,
	cfg *config.Config,
) <-chan string {
	output := make(chan string, 100)

	go func() {
		defer close(output)

		events, errs := ParseKiroStream(response, firstTokenTimeout, enableThinkingParser, cfg)

		chunkIndex := 0
		toolCallIndex := 0
		stopReason := ""

		for {
			select {
			case event, ok := <-events:
				if !ok {
					// Send finish chunk
					finishChunk := createOpenAIFinishChunk(conversationID, model, chunkIndex, MapFinishReasonOpenAI(stopReason))
					output <- formatSSE(finishChunk)
					return
				}

				chunkIndex++
				var chunk string

				switch event.Type {
				case "content":
					if event.Content != "" {
						chunk = createOpenAIContentChunk(conversationID, model, event.Content, chunkIndex)
					}
				case "thinking":
					if event.ThinkingContent != "" &&
						(cfg.FakeReasoningHandling == "as_reasoning_content" ||
							cfg.FakeReasoningHandling == string(parser.ThinkingHandlingSyntheticOnMissing)) {
						chunk = createOpenAIReasoningChunk(conversationID, model, event.ThinkingContent, chunkIndex)
					}
				case "tool_use":
					chunk = createOpenAIToolCallChunk(conversationID, model, event.ToolUse, chunkIndex, toolCallIndex)
					toolCallIndex++
				case "stop_reason":
					stopReason = event.StopReason
				}

				if chunk != "" {
					output <- formatSSE(chunk)
				}

			case err := <-errs:
				if err != nil {
					errorChunk := createOpenAIErrorChunk(err.Error())
					output <- formatSSE(errorChunk)
					return
				}
			}
		}
	}()

	return output
}

func createOpenAIContentChunk(id, model, content string, index int) string {
	delta := map[string]interface{}{
		"content": content,
	}
	return createOpenAIDeltaChunk(id, model, delta, index, "")
}

func createOpenAIReasoningChunk(id, model, content string, index int) string {
	delta := map[string]interface{}{
		"reasoning_content": content,
	}
	return createOpenAIDeltaChunk(id, model, delta, index, "")
}

func createOpenAIToolCallChunk(id string, model string, toolUse map[string]interface{}, chunkIndex, toolCallIndex int) string {
	delta := map[string]interface{}{
		"tool_calls": []map[string]interface{}{
			{
				"index": toolCallIndex,
				"id":    toolUse["id"],
				"type":  toolUse["type"],
				"function": map[string]interface{}{
					"name":      toolUse["function"].(map[string]interface{})["name"],
					"arguments": toolUse["function"].(map[string]interface{})["arguments"],
				},
			},
		},
	}
	return createOpenAIDeltaChunk(id, model, delta, chunkIndex, "")
}

func createOpenAIFinishChunk(id, model string, index int, finishReason string) string {
	return createOpenAIDeltaChunk(id, model, map[string]interface{}{}, index, finishReason)
}

func createOpenAIErrorChunk(message string) string {
	errorResp := map[string]interface{}{
		"error": map[string]interface{}{
			"message": message,
			"type":    "internal_error",
		},
	}
	b, _ := json.Marshal(errorResp)
	return string(b)
}

func createOpenAIDeltaChunk(id, model string, delta map[string]interface{}, index int, finishReason string) string {
	chunk := map[string]interface{}{
		"id":      id,
		"object":  "chat.completion.chunk",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []map[string]interface{}{
			{
				"index": index,
				"delta": delta,
			},
		},
	}

	if finishReason != "" {
		chunk["choices"].([]map[string]interface{})[0]["finish_reason"] = finishReason
	}

	b, _ := json.Marshal(chunk)
	return string(b)
}

func formatSSE(data string) string {
	return fmt.Sprintf("data: %s\n\n", data)
}

// ParseSSE parses SSE data from reader
func ParseSSE(reader io.Reader) <-chan string {
	output := make(chan string, 100)

	go func() {
		defer close(output)

		scanner := bufio.NewScanner(reader)
		var buffer bytes.Buffer

		for scanner.Scan() {
			line := scanner.Text()

			if line == "" {
				// Empty line signals end of event
				if buffer.Len() > 0 {
					data := buffer.String()
					if strings.HasPrefix(data, "data: ") {
						output <- strings.TrimPrefix(data, "data: ")
					}
					buffer.Reset()
				}
				continue
			}

			if strings.HasPrefix(line, "data: ") {
				if buffer.Len() > 0 {
					buffer.WriteByte('\n')
				}
				buffer.WriteString(line)
			}
		}
	}()

	return output
}

// stopReasonMap translates Kiro's finish reasons into OpenAI and Anthropic
// finish-reason vocabularies.
var stopReasonMap = map[string]struct {
	openAI     string
	anthropic  string
}{
	"endTurn":   {"stop", "end_turn"},
	"toolUse":   {"tool_calls", "tool_use"},
	"maxTokens": {"length", "max_tokens"},
	"stopSequence": {"stop", "stop_sequence"},
}

// MapFinishReasonOpenAI maps a Kiro stop reason to an OpenAI finish_reason,
// defaulting to "stop" for anything unrecognized.
func MapFinishReasonOpenAI(kiroReason string) string {
	if m, ok := stopReasonMap[kiroReason]; ok {
		return m.openAI
	}
	return "stop"
}

// MapFinishReasonAnthropic maps a Kiro stop reason to an Anthropic
// stop_reason, defaulting to "end_turn" for anything unrecognized.
func MapFinishReasonAnthropic(kiroReason string) string {
	if m, ok := stopReasonMap[kiroReason]; ok {
		return m.anthropic
	}
	return "end_turn"
}

// Anthropic Streaming

// StreamToAnthropic converts a Kiro stream into typed Anthropic Messages SSE
// events (message_start, content_block_start/delta/stop, message_delta,
// message_stop), mirroring the shape of StreamToOpenAI above but following
// Anthropic's block-oriented event protocol instead of OpenAI's flat delta
// chunks.
func StreamToAnthropic(
	response *http.Response,
	model string,
	conversationID string,
	firstTokenTimeout float64,
	enableThinkingParser bool,
	cfg *config.Config,
) <-chan SSEEvent {
	output := make(chan SSEEvent, 100)

	go func() {
		defer close(output)

		events, errs := ParseKiroStream(response, firstTokenTimeout, enableThinkingParser, cfg)

		emitter := &anthropicEmitter{conversationID: conversationID, model: model}
		output <- emitter.messageStart()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					for _, e := range emitter.closeOpenBlocks() {
						output <- e
					}
					output <- emitter.messageDelta(MapFinishReasonAnthropic(emitter.stopReason))
					output <- sseEvent("message_stop", map[string]interface{}{"type": "message_stop"})
					return
				}

				for _, e := range emitter.handle(event) {
					output <- e
				}

			case err := <-errs:
				if err != nil {
					output <- sseEvent("error", map[string]interface{}{
						"type": "error",
						"error": map[string]interface{}{
							"type":    "internal_error",
							"message": err.Error(),
						},
					})
					return
				}
			}
		}
	}()

	return output
}

// SSEEvent is one named Server-Sent Event ready to be written to the wire.
type SSEEvent struct {
	Name string
	Data string
}

// Format renders the event in "event: NAME\ndata: JSON\n\n" form.
func (e SSEEvent) Format() string {
	return fmt.Sprintf("event: %s\ndata: %s\n\n", e.Name, e.Data)
}

func sseEvent(name string, payload interface{}) SSEEvent {
	b, _ := json.Marshal(payload)
	return SSEEvent{Name: name, Data: string(b)}
}

// anthropicEmitter tracks the open content-block state needed to translate
// Kiro's flat event stream into Anthropic's indexed block protocol.
type anthropicEmitter struct {
	conversationID string
	model          string

	contentIndex int

	textOpen     bool
	textIndex    int
	thinkingOpen bool
	thinkingIndex int

	outputTokens int
	stopReason   string
}

func (e *anthropicEmitter) messageStart() SSEEvent {
	return sseEvent("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":          e.conversationID,
			"type":        "message",
			"role":        "assistant",
			"content":     []interface{}{},
			"model":       e.model,
			"stop_reason": nil,
			"usage": map[string]interface{}{
				"input_tokens":  0,
				"output_tokens": 0,
			},
		},
	})
}

func (e *anthropicEmitter) messageDelta(stopReason string) SSEEvent {
	return sseEvent("message_delta", map[string]interface{}{
		"type": "message_delta",
		"delta": map[string]interface{}{
			"stop_reason": stopReason,
		},
		"usage": map[string]interface{}{
			"output_tokens": e.outputTokens,
		},
	})
}

func (e *anthropicEmitter) closeOpenBlocks() []SSEEvent {
	var out []SSEEvent
	if e.thinkingOpen {
		out = append(out, e.blockStop(e.thinkingIndex))
		e.thinkingOpen = false
	}
	if e.textOpen {
		out = append(out, e.blockStop(e.textIndex))
		e.textOpen = false
	}
	return out
}

func (e *anthropicEmitter) blockStop(index int) SSEEvent {
	return sseEvent("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": index,
	})
}

func (e *anthropicEmitter) handle(event KiroEvent) []SSEEvent {
	switch event.Type {
	case "content":
		return e.handleContent(event.Content)
	case "thinking":
		return e.handleThinking(event.ThinkingContent)
	case "tool_use":
		return e.handleToolUse(event.ToolUse)
	case "stop_reason":
		e.stopReason = event.StopReason
		return nil
	default:
		return nil
	}
}

func (e *anthropicEmitter) handleContent(content string) []SSEEvent {
	if content == "" {
		return nil
	}
	var out []SSEEvent
	if !e.textOpen {
		e.textIndex = e.contentIndex
		e.contentIndex++
		e.textOpen = true
		out = append(out, sseEvent("content_block_start", map[string]interface{}{
			"type":  "content_block_start",
			"index": e.textIndex,
			"content_block": map[string]interface{}{
				"type": "text",
				"text": "",
			},
		}))
	}
	out = append(out, sseEvent("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": e.textIndex,
		"delta": map[string]interface{}{
			"type": "text_delta",
			"text": content,
		},
	}))
	e.outputTokens += len(content) / 4
	return out
}

func (e *anthropicEmitter) handleThinking(content string) []SSEEvent {
	if content == "" {
		return nil
	}
	var out []SSEEvent
	if !e.thinkingOpen {
		e.thinkingIndex = e.contentIndex
		e.contentIndex++
		e.thinkingOpen = true
		out = append(out, sseEvent("content_block_start", map[string]interface{}{
			"type":  "content_block_start",
			"index": e.thinkingIndex,
			"content_block": map[string]interface{}{
				"type":     "thinking",
				"thinking": "",
			},
		}))
	}
	out = append(out, sseEvent("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": e.thinkingIndex,
		"delta": map[string]interface{}{
			"type":     "thinking_delta",
			"thinking": content,
		},
	}))
	e.outputTokens += len(content) / 4
	return out
}

func (e *anthropicEmitter) handleToolUse(toolUse map[string]interface{}) []SSEEvent {
	if toolUse == nil {
		return nil
	}
	var out []SSEEvent

	if e.thinkingOpen {
		out = append(out, e.blockStop(e.thinkingIndex))
		e.thinkingOpen = false
	}
	if e.textOpen {
		out = append(out, e.blockStop(e.textIndex))
		e.textOpen = false
	}

	toolID, _ := toolUse["id"].(string)
	var toolName string
	var toolInput interface{}

	if fn, ok := toolUse["function"].(map[string]interface{}); ok {
		toolName, _ = fn["name"].(string)
		toolInput = fn["arguments"]
	} else if name, ok := toolUse["name"].(string); ok {
		toolName = name
		toolInput = toolUse["input"]
	}

	if inputStr, ok := toolInput.(string); ok && inputStr != "" {
		var parsed interface{}
		if err := json.Unmarshal([]byte(inputStr), &parsed); err == nil {
			toolInput = parsed
		}
	}
	if toolInput == nil {
		toolInput = map[string]interface{}{}
	}

	toolIndex := e.contentIndex
	e.contentIndex++

	out = append(out, sseEvent("content_block_start", map[string]interface{}{
		"type":  "content_block_start",
		"index": toolIndex,
		"content_block": map[string]interface{}{
			"type":  "tool_use",
			"id":    toolID,
			"name":  toolName,
			"input": map[string]interface{}{},
		},
	}))

	inputJSON, _ := json.Marshal(toolInput)
	out = append(out, sseEvent("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": toolIndex,
		"delta": map[string]interface{}{
			"type":         "input_json_delta",
			"partial_json": string(inputJSON),
		},
	}))

	out = append(out, e.blockStop(toolIndex))
	e.outputTokens += len(toolName) / 2
	return out
}

// CreateOpenAIModelsResponse creates a models list response
func CreateOpenAIModelsResponse(models []string) *converter.OpenAIModelsResponse {
	var data []converter.OpenAIModelData
	now := time.Now().Unix()

	for _, id := range models {
		data = append(data, converter.OpenAIModelData{
			ID:      id,
			Object:  "model",
			Created: now,
			OwnedBy: "kiro",
		})
	}

	return &converter.OpenAIModelsResponse{
		Object: "list",
		Data:   data,
	}
}
