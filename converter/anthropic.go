package converter

import (
	"encoding/json"
	"strings"
)

// Anthropic Models

// AnthropicRequest represents an Anthropic Messages API request.
type AnthropicRequest struct {
	Model         string              `json:"model"`
	Messages      []AnthropicMessage  `json:"messages"`
	System        interface{}         `json:"system,omitempty"`
	MaxTokens     int                 `json:"max_tokens"`
	Stream        bool                `json:"stream"`
	Tools         []AnthropicTool     `json:"tools,omitempty"`
	Temperature   *float64            `json:"temperature,omitempty"`
	TopP          *float64            `json:"top_p,omitempty"`
	StopSequences []string            `json:"stop_sequences,omitempty"`
}

// AnthropicMessage represents one turn of an Anthropic conversation.
type AnthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// AnthropicTool represents an Anthropic tool definition.
type AnthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// AnthropicResponse represents a non-streaming Anthropic Messages response.
type AnthropicResponse struct {
	ID         string                   `json:"id"`
	Type       string                   `json:"type"`
	Role       string                   `json:"role"`
	Model      string                   `json:"model"`
	Content    []AnthropicContentBlock  `json:"content"`
	StopReason string                   `json:"stop_reason"`
	Usage      AnthropicUsage           `json:"usage"`
}

// AnthropicContentBlock represents one block of Anthropic response content.
type AnthropicContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// AnthropicUsage represents token usage in an Anthropic response.
type AnthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ConvertAnthropicToUnified converts a raw Anthropic Messages request body
// (already decoded into a generic map, since the wire format mixes string
// and content-block-list shapes for both system and message content) into
// the unified message representation shared with the OpenAI dialect.
func ConvertAnthropicToUnified(req map[string]interface{}) ([]UnifiedMessage, string) {
	var messages []UnifiedMessage
	var systemPrompt string

	if sys, ok := req["system"]; ok {
		switch v := sys.(type) {
		case string:
			systemPrompt = v
		case []interface{}:
			var parts []string
			for _, block := range v {
				if blockMap, ok := block.(map[string]interface{}); ok {
					if blockMap["type"] == "text" {
						if text, ok := blockMap["text"].(string); ok {
							parts = append(parts, text)
						}
					}
				}
			}
			systemPrompt = strings.Join(parts, "\n")
		}
	}

	if msgList, ok := req["messages"].([]interface{}); ok {
		for _, msg := range msgList {
			msgMap, ok := msg.(map[string]interface{})
			if !ok {
				continue
			}
			messages = append(messages, convertAnthropicMessage(msgMap))
		}
	}

	return messages, systemPrompt
}

func convertAnthropicMessage(msgMap map[string]interface{}) UnifiedMessage {
	role, _ := msgMap["role"].(string)
	content := msgMap["content"]

	unifiedMsg := UnifiedMessage{
		Role:    role,
		Content: content,
	}

	contentList, ok := content.([]interface{})
	if !ok {
		return unifiedMsg
	}

	for _, block := range contentList {
		blockMap, ok := block.(map[string]interface{})
		if !ok {
			continue
		}
		blockType, _ := blockMap["type"].(string)

		switch blockType {
		case "tool_use":
			name, _ := blockMap["name"].(string)
			id, _ := blockMap["id"].(string)
			input := blockMap["input"]

			var args string
			if input != nil {
				b, _ := json.Marshal(input)
				args = string(b)
			}

			unifiedMsg.ToolCalls = append(unifiedMsg.ToolCalls, ToolCall{
				ID:   id,
				Type: "function",
				Function: struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				}{
					Name:      name,
					Arguments: args,
				},
			})

		case "tool_result":
			toolUseID, _ := blockMap["tool_use_id"].(string)
			unifiedMsg.ToolResults = append(unifiedMsg.ToolResults, ToolResult{
				ToolUseID: toolUseID,
				Content:   blockMap["content"],
			})

		case "image":
			if source, ok := blockMap["source"].(map[string]interface{}); ok {
				if source["type"] == "base64" {
					mediaType, _ := source["media_type"].(string)
					data, _ := source["data"].(string)
					unifiedMsg.Images = append(unifiedMsg.Images, map[string]interface{}{
						"media_type": mediaType,
						"data":       data,
					})
				}
			}
		}
	}

	return unifiedMsg
}

// ConvertAnthropicToolsToUnified converts a decoded Anthropic tools array
// into the unified tool representation.
func ConvertAnthropicToolsToUnified(tools []interface{}) []UnifiedTool {
	var unified []UnifiedTool
	for _, t := range tools {
		toolMap, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		if name == "" {
			continue
		}
		desc, _ := toolMap["description"].(string)
		inputSchema, _ := toolMap["input_schema"].(map[string]interface{})

		unified = append(unified, UnifiedTool{
			Name:        name,
			Description: desc,
			InputSchema: inputSchema,
		})
	}
	return unified
}

// CreateAnthropicResponse builds a non-streaming Anthropic Messages response
// from accumulated text and tool calls.
func CreateAnthropicResponse(id, model, text string, toolCalls []ToolCall, stopReason string, usage AnthropicUsage) *AnthropicResponse {
	var content []AnthropicContentBlock

	if text != "" {
		content = append(content, AnthropicContentBlock{Type: "text", Text: text})
	}
	for _, tc := range toolCalls {
		content = append(content, AnthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(normalizeToolInput(tc.Function.Arguments)),
		})
	}

	return &AnthropicResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Model:      model,
		Content:    content,
		StopReason: stopReason,
		Usage:      usage,
	}
}

func normalizeToolInput(arguments string) string {
	if arguments == "" {
		return "{}"
	}
	return arguments
}
