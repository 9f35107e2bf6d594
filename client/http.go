// Package client provides the HTTP client used to call the Kiro upstream,
// including retry and credential-pool failover logic.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"kiro-gateway/config"
	"kiro-gateway/credpool"

	log "github.com/sirupsen/logrus"
)

// Outcome classifies the result of one upstream attempt so the retry loop
// and the credential pool can each react appropriately.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeAuthExpired
	OutcomeRateLimited
	OutcomeServerErrorRetryable
	OutcomeServerErrorFatal
	OutcomeNetworkRetryable
	OutcomeCanceled
)

// Client wraps http.Client with retry and credential-pool failover logic.
type Client struct {
	httpClient *http.Client
	cfg        *config.Config
	pool       *credpool.Pool
	proxyURL   string
}

// NewClient creates a new HTTP client bound to a credential pool.
func NewClient(cfg *config.Config, pool *credpool.Pool) *Client {
	transport := &http.Transport{
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		IdleConnTimeout:       30 * time.Second,
		ResponseHeaderTimeout: time.Duration(cfg.FirstTokenTimeout) * time.Second,
	}

	proxyURL := cfg.VPNProxyURL
	if proxyURL != "" {
		if !strings.Contains(proxyURL, "://") {
			proxyURL = "http://" + proxyURL
		}
		if proxy, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(proxy)
			log.Infof("Proxy configured: %s", proxyURL)
		}
	}

	return &Client{
		// No blanket http.Client.Timeout here: that would cap the whole
		// request/response lifetime, including the body read, conflating
		// the dispatch-to-first-byte and between-bytes timeouts into one
		// total-duration cap that kills long but healthy streams.
		// ResponseHeaderTimeout above bounds the connection hanging before
		// headers arrive; stream.ParseKiroStream bounds the gaps between
		// body reads once streaming starts.
		httpClient: &http.Client{
			Transport: transport,
		},
		cfg:      cfg,
		pool:     pool,
		proxyURL: proxyURL,
	}
}

// classify maps a response/transport outcome onto a retry/failover decision.
func classify(resp *http.Response, err error) Outcome {
	if err != nil {
		return OutcomeNetworkRetryable
	}
	switch {
	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		return OutcomeAuthExpired
	case resp.StatusCode == http.StatusTooManyRequests:
		return OutcomeRateLimited
	case resp.StatusCode == http.StatusNotImplemented || resp.StatusCode == http.StatusBadGateway:
		return OutcomeServerErrorFatal
	case resp.StatusCode >= 500:
		return OutcomeServerErrorRetryable
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return OutcomeOK
	default:
		return OutcomeOK
	}
}

// RequestWithRetry makes a request against the Kiro upstream, acquiring a
// fresh lease from the credential pool on every attempt so a failing
// account is automatically skipped on retry. path is relative to the
// leased account's API host (e.g. "/generateAssistantResponse").
func (c *Client) RequestWithRetry(ctx context.Context, method, path string, payload interface{}, stream bool) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(c.cfg.BaseRetryDelay*float64(int(1)<<uint(attempt))) * time.Second
			log.Warnf("Retry attempt %d/%d after %v", attempt+1, c.cfg.MaxRetries, delay)

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		lease, err := c.pool.Acquire(ctx)
		if err != nil {
			lastErr = fmt.Errorf("credential pool: %w", err)
			continue
		}

		resp, reqErr := c.doRequest(ctx, method, path, lease, payload, stream)
		outcome := classify(resp, reqErr)

		switch outcome {
		case OutcomeOK:
			c.pool.ReportSuccess(lease.Index)
			return resp, nil

		case OutcomeAuthExpired:
			log.Infof("account %d: received %d, marking for refresh", lease.Index, resp.StatusCode)
			resp.Body.Close()
			c.pool.ReportFailure(lease.Index, "auth-expired")
			lastErr = fmt.Errorf("account %d: authentication expired", lease.Index)

		case OutcomeRateLimited:
			log.Warnf("account %d: rate limited (429)", lease.Index)
			resp.Body.Close()
			c.pool.ReportFailure(lease.Index, "rate-limited")
			lastErr = fmt.Errorf("account %d: rate limited", lease.Index)

		case OutcomeServerErrorRetryable:
			log.Warnf("account %d: server error (%d), retrying", lease.Index, resp.StatusCode)
			resp.Body.Close()
			lastErr = fmt.Errorf("account %d: server error %d", lease.Index, resp.StatusCode)

		case OutcomeServerErrorFatal:
			body := ReadErrorBody(resp)
			resp.Body.Close()
			return nil, fmt.Errorf("account %d: non-retryable status %d: %s", lease.Index, resp.StatusCode, body)

		case OutcomeNetworkRetryable:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = reqErr
			log.Warnf("account %d: request error: %v", lease.Index, reqErr)
		}
	}

	return nil, fmt.Errorf("all %d retry attempts failed: %w", c.cfg.MaxRetries, lastErr)
}

func (c *Client) doRequest(ctx context.Context, method, path string, lease *credpool.Lease, payload interface{}, stream bool) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		jsonData, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	fullURL := lease.APIHost + path
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+lease.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("User-Agent", fmt.Sprintf("KiroGateway-Go/%s", config.AppVersion))

	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	if lease.ProfileArn != "" {
		req.Header.Set("X-Amz-Profile-Arn", lease.ProfileArn)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	return resp, nil
}

// Get performs a GET request with retry/failover.
func (c *Client) Get(ctx context.Context, path string) (*http.Response, error) {
	return c.RequestWithRetry(ctx, "GET", path, nil, false)
}

// Post performs a POST request with retry/failover.
func (c *Client) Post(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	return c.RequestWithRetry(ctx, "POST", path, payload, false)
}

// PostStream performs a POST request expecting a streaming response.
func (c *Client) PostStream(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	return c.RequestWithRetry(ctx, "POST", path, payload, true)
}

// ReadErrorBody reads and returns the error body from a response.
func ReadErrorBody(resp *http.Response) string {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Sprintf("failed to read body: %v", err)
	}
	return string(body)
}

// Close ensures the response body is properly closed.
func Close(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
}
