// Package controlplane implements the two-operation contract the
// Remote Executor drives: submit-command, which accepts a command
// payload and returns an identifier, and get-invocation, which reports
// that command's current status. The real client is HTTP-backed with
// automatic retry on transient network failures; tests use the
// in-memory FakeClient defined alongside it.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cuemby/pulsarbench/pkg/types"
	"github.com/hashicorp/go-retryablehttp"
)

// Client is the control-plane contract. A single instance is shared
// by every in-flight Executor.Run call and must be safe for
// concurrent use — the HTTP implementation satisfies this because
// *retryablehttp.Client is itself concurrency-safe.
type Client interface {
	// SubmitCommand submits payload to be run on host and returns a
	// command identifier.
	SubmitCommand(ctx context.Context, host, payload string) (string, error)

	// GetInvocation returns the current status of a previously
	// submitted command.
	GetInvocation(ctx context.Context, cmdID string) (types.CommandResult, error)

	// AgentOnline reports whether host has an active agent
	// registration in the control-plane's inventory.
	AgentOnline(ctx context.Context, host string) (bool, error)
}

// HTTPClient is the production Client, backed by a retrying HTTP
// client (hashicorp/go-retryablehttp) against a cloud control-plane
// API (e.g. an SSM-style run-command service).
type HTTPClient struct {
	baseURL string
	http    *retryablehttp.Client
}

// NewHTTPClient constructs an HTTPClient against baseURL. The
// underlying retryablehttp.Client retries every request, the
// submit-command POST included, on transient network failures and 5xx
// responses with exponential backoff, matching the control-plane
// poll-failure retry category.
func NewHTTPClient(baseURL string) *HTTPClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 4
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	return &HTTPClient{baseURL: baseURL, http: rc}
}

type submitRequest struct {
	Host    string `json:"host"`
	Payload string `json:"payload"`
}

type submitResponse struct {
	CommandID string `json:"command_id"`
}

type invocationResponse struct {
	Status   string `json:"status"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// SubmitCommand implements Client.
func (c *HTTPClient) SubmitCommand(ctx context.Context, host, payload string) (string, error) {
	body, err := json.Marshal(submitRequest{Host: host, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("encoding submit request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/commands", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("submitting command: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("submit-command returned status %d", resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	return out.CommandID, nil
}

// GetInvocation implements Client.
func (c *HTTPClient) GetInvocation(ctx context.Context, cmdID string) (types.CommandResult, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/commands/"+cmdID, nil)
	if err != nil {
		return types.CommandResult{}, fmt.Errorf("building get-invocation request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return types.CommandResult{}, fmt.Errorf("polling invocation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return types.CommandResult{}, fmt.Errorf("get-invocation returned status %d: %s", resp.StatusCode, string(data))
	}

	var out invocationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.CommandResult{}, fmt.Errorf("decoding invocation response: %w", err)
	}

	return types.CommandResult{
		Status:   types.CommandStatus(out.Status),
		Stdout:   out.Stdout,
		Stderr:   out.Stderr,
		ExitCode: out.ExitCode,
	}, nil
}

type agentResponse struct {
	Online bool `json:"online"`
}

// AgentOnline implements Client.
func (c *HTTPClient) AgentOnline(ctx context.Context, host string) (bool, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/agents/"+host, nil)
	if err != nil {
		return false, fmt.Errorf("building agent inventory request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("querying agent inventory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode >= 300 {
		return false, fmt.Errorf("agent inventory returned status %d", resp.StatusCode)
	}

	var out agentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decoding agent inventory response: %w", err)
	}
	return out.Online, nil
}
