// Package api provides HTTP routes for Kiro Gateway.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"kiro-gateway/client"
	"kiro-gateway/config"
	"kiro-gateway/converter"
	"kiro-gateway/credpool"
	"kiro-gateway/model"
	"kiro-gateway/parser"
	"kiro-gateway/stream"
	"kiro-gateway/truncation"
	"kiro-gateway/utils"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

const generateAssistantResponsePath = "/generateAssistantResponse"

// Server holds the API server dependencies
type Server struct {
	Cfg           *config.Config
	Pool          *credpool.Pool
	HttpClient    *client.Client
	ModelCache    *model.Cache
	ModelResolver *model.Resolver
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, pool *credpool.Pool) *Server {
	httpClient := client.NewClient(cfg, pool)
	modelCache := model.NewCache(cfg)
	modelResolver := model.NewResolver(modelCache, httpClient, cfg)

	return &Server{
		Cfg:           cfg,
		Pool:          pool,
		HttpClient:    httpClient,
		ModelCache:    modelCache,
		ModelResolver: modelResolver,
	}
}

// SetupRoutes sets up all API routes
func (s *Server) SetupRoutes(r *gin.Engine) {
	// Health check
	r.GET("/", s.HealthHandler)
	r.GET("/health", s.HealthHandler)

	// OpenAI-compatible routes
	v1 := r.Group("/v1")
	v1.Use(s.AuthMiddleware())
	{
		v1.GET("/models", s.ListModelsHandler)
		v1.POST("/chat/completions", s.ChatCompletionsHandler)
		v1.POST("/messages", s.MessagesHandler)
		v1.GET("/accounts/status", s.AccountsStatusHandler)
	}
}

// AuthMiddleware validates API key
func (s *Server) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Skip auth for health endpoints
		if c.Request.URL.Path == "/" || c.Request.URL.Path == "/health" {
			c.Next()
			return
		}

		// Get authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"message": "Missing Authorization header",
					"type":    "invalid_request_error",
				},
			})
			c.Abort()
			return
		}

		// Extract API key
		var apiKey string
		if strings.HasPrefix(authHeader, "Bearer ") {
			apiKey = strings.TrimPrefix(authHeader, "Bearer ")
		} else {
			apiKey = authHeader
		}

		// Validate API key
		if apiKey != s.Cfg.ProxyAPIKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"message": "Invalid API key",
					"type":    "invalid_request_error",
				},
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// HealthHandler handles health check requests
func (s *Server) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   config.AppVersion,
	})
}

// AccountsStatusHandler handles GET /v1/accounts/status, reporting the
// health/cooldown state of every account in the credential pool.
func (s *Server) AccountsStatusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"accounts": s.Pool.Snapshot(),
	})
}

// ListModelsHandler handles GET /v1/models
func (s *Server) ListModelsHandler(c *gin.Context) {
	models := s.ModelResolver.GetAvailableModels()
	response := stream.CreateOpenAIModelsResponse(models)
	c.JSON(http.StatusOK, response)
}

// ChatCompletionsHandler handles POST /v1/chat/completions
func (s *Server) ChatCompletionsHandler(c *gin.Context) {
	var req converter.OpenAIRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"message": fmt.Sprintf("Invalid request: %v", err),
				"type":    "invalid_request_error",
			},
		})
		return
	}

	// Resolve model
	resolution := s.ModelResolver.Resolve(req.Model)
	log.Debugf("Model resolution: %s -> %s (source: %s)", req.Model, resolution.InternalID, resolution.Source)

	// Convert messages to unified format
	unifiedMessages, systemPrompt := converter.ConvertOpenAIToUnified(req.Messages)

	// Convert tools to unified format
	var unifiedTools []converter.UnifiedTool
	if len(req.Tools) > 0 {
		unifiedTools = converter.ConvertOpenAIToolsToUnified(req.Tools)
	}

	// Generate conversation ID
	conversationID := utils.GenerateConversationID()

	// Build Kiro payload
	payload := converter.BuildKiroPayload(
		unifiedMessages,
		systemPrompt,
		resolution.InternalID,
		unifiedTools,
		conversationID,
		s.Pool.PrimaryProfileArn(),
		s.Cfg,
	)

	if payload == nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"message": "Failed to build request payload",
				"type":    "internal_error",
			},
		})
		return
	}

	// Handle streaming vs non-streaming
	if req.Stream {
		s.handleStreamingChatCompletion(c, payload, req.Model, conversationID)
	} else {
		maxTokens := 0
		if req.MaxTokens != nil {
			maxTokens = *req.MaxTokens
		}
		s.handleNonStreamingChatCompletion(c, payload, req.Model, conversationID, maxTokens)
	}
}

func (s *Server) handleStreamingChatCompletion(c *gin.Context, payload *converter.KiroPayload, model, conversationID string) {
	ctx := c.Request.Context()
	resp, err := s.HttpClient.PostStream(ctx, generateAssistantResponsePath, payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"message": fmt.Sprintf("Request failed: %v", err),
				"type":    "internal_error",
			},
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.JSON(resp.StatusCode, gin.H{
			"error": gin.H{
				"message": string(body),
				"type":    "api_error",
			},
		})
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Transfer-Encoding", "chunked")

	// Stream response
	events := stream.StreamToOpenAI(resp, model, conversationID, s.Cfg.FirstTokenTimeout, true, s.Cfg)

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"message": "Streaming not supported",
				"type":    "internal_error",
			},
		})
		return
	}

	for event := range events {
		c.Writer.WriteString(event)
		flusher.Flush()
	}

	// Send [DONE] marker
	c.Writer.WriteString("data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleNonStreamingChatCompletion(c *gin.Context, payload *converter.KiroPayload, model, conversationID string, maxTokens int) {
	ctx := c.Request.Context()
	result, stopReason, err := s.runWithContinuations(ctx, payload, model, maxTokens)
	if err != nil {
		writeUpstreamError(c, err)
		return
	}
	finishReason := stream.MapFinishReasonOpenAI(stopReason)

	// Calculate token usage
	completionTokens := len(result.Content) / 4 // Rough estimate
	promptTokens, totalTokens, _, _ := stream.CalculateTokensFromContextUsage(
		result.ContextUsagePercentage,
		completionTokens,
		s.ModelCache,
		model,
	)

	// Build response
	response := converter.CreateOpenAIResponse(
		conversationID,
		model,
		result.Content,
		convertParserToolCalls(result.ToolCalls),
		finishReason,
		&converter.OpenAIUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      totalTokens,
		},
	)

	c.JSON(http.StatusOK, response)
}

// runWithContinuations collects one Kiro response and, if it was truncated
// by the upstream's own max-tokens limit, synthesizes and runs continuation
// requests until the reply is complete or cfg.MaxContinuations is reached.
func (s *Server) runWithContinuations(ctx context.Context, payload *converter.KiroPayload, model string, maxTokens int) (*stream.StreamResult, string, error) {
	tracker := truncation.NewTracker(s.Cfg.MaxContinuations, s.Cfg.TruncationRecovery, maxTokens)

	for {
		resp, err := s.HttpClient.PostStream(ctx, generateAssistantResponsePath, payload)
		if err != nil {
			return nil, "", err
		}
		if resp.StatusCode != http.StatusOK {
			body := client.ReadErrorBody(resp)
			resp.Body.Close()
			return nil, "", fmt.Errorf("upstream status %d: %s", resp.StatusCode, body)
		}

		result, err := stream.CollectStreamResult(resp, s.Cfg.FirstTokenTimeout, true, s.Cfg)
		resp.Body.Close()
		if err != nil {
			return nil, "", err
		}

		tracker.Accumulate(result.Content, result.ToolCalls)

		if !tracker.ShouldContinue(result.StopReason) {
			merged := tracker.Merged()
			result.Content = merged.Content
			result.ToolCalls = merged.ToolCalls
			return result, result.StopReason, nil
		}

		payload = converter.BuildContinuationPayload(payload, tracker.Merged().Content)
		log.Infof("truncation: continuing response (%d/%d)", tracker.ContinuationCount(), s.Cfg.MaxContinuations)
	}
}

// MessagesHandler handles POST /v1/messages (Anthropic-compatible)
func (s *Server) MessagesHandler(c *gin.Context) {
	var req map[string]interface{}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{
				"message": fmt.Sprintf("Invalid request: %v", err),
				"type":    "invalid_request_error",
			},
		})
		return
	}

	// Extract model
	modelName, _ := req["model"].(string)
	resolution := s.ModelResolver.Resolve(modelName)
	log.Debugf("Model resolution: %s -> %s (source: %s)", modelName, resolution.InternalID, resolution.Source)

	// Convert Anthropic request to unified format
	unifiedMessages, systemPrompt := converter.ConvertAnthropicToUnified(req)

	// Extract tools
	var unifiedTools []converter.UnifiedTool
	if tools, ok := req["tools"].([]interface{}); ok {
		unifiedTools = converter.ConvertAnthropicToolsToUnified(tools)
	}

	// Generate conversation ID
	conversationID := utils.GenerateConversationID()

	// Build Kiro payload
	payload := converter.BuildKiroPayload(
		unifiedMessages,
		systemPrompt,
		resolution.InternalID,
		unifiedTools,
		conversationID,
		s.Pool.PrimaryProfileArn(),
		s.Cfg,
	)

	if payload == nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"message": "Failed to build request payload",
				"type":    "internal_error",
			},
		})
		return
	}

	// Check if streaming
	streaming, _ := req["stream"].(bool)

	if streaming {
		s.handleStreamingMessages(c, payload, modelName, conversationID)
	} else {
		maxTokens := 0
		if v, ok := req["max_tokens"].(float64); ok {
			maxTokens = int(v)
		}
		s.handleNonStreamingMessages(c, payload, modelName, conversationID, maxTokens)
	}
}

func (s *Server) handleStreamingMessages(c *gin.Context, payload *converter.KiroPayload, model, conversationID string) {
	ctx := c.Request.Context()
	resp, err := s.HttpClient.PostStream(ctx, generateAssistantResponsePath, payload)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"message": fmt.Sprintf("Request failed: %v", err),
				"type":    "internal_error",
			},
		})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		c.JSON(resp.StatusCode, gin.H{
			"error": gin.H{
				"message": string(body),
				"type":    "api_error",
			},
		})
		return
	}

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{
				"message": "Streaming not supported",
				"type":    "internal_error",
			},
		})
		return
	}

	events := stream.StreamToAnthropic(resp, model, conversationID, s.Cfg.FirstTokenTimeout, true, s.Cfg)
	for evt := range events {
		c.Writer.WriteString(evt.Format())
		flusher.Flush()
	}
}

func (s *Server) handleNonStreamingMessages(c *gin.Context, payload *converter.KiroPayload, model, conversationID string, maxTokens int) {
	ctx := c.Request.Context()
	result, stopReason, err := s.runWithContinuations(ctx, payload, model, maxTokens)
	if err != nil {
		writeUpstreamError(c, err)
		return
	}

	usage := converter.AnthropicUsage{
		InputTokens:  0,
		OutputTokens: len(result.Content) / 4,
	}

	response := converter.CreateAnthropicResponse(
		conversationID,
		model,
		result.Content,
		convertParserToolCalls(result.ToolCalls),
		stream.MapFinishReasonAnthropic(stopReason),
		usage,
	)

	c.JSON(http.StatusOK, response)
}

func writeUpstreamError(c *gin.Context, err error) {
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{
			"message": err.Error(),
			"type":    "internal_error",
		},
	})
}

// convertParserToolCalls converts parser.ToolCall to converter.ToolCall
func convertParserToolCalls(calls []parser.ToolCall) []converter.ToolCall {
	if len(calls) == 0 {
		return nil
	}

	result := make([]converter.ToolCall, len(calls))
	for i, tc := range calls {
		result[i] = converter.ToolCall{
			ID:   tc.ID,
			Type: tc.Type,
			Function: struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			}{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		}
	}
	return result
}
