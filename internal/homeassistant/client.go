// Package homeassistant calls Home Assistant services over its REST API.
package homeassistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Client is an HTTP client for the Home Assistant REST API. It
// implements the authorize.Executor interface.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	logger     *slog.Logger
}

// NewClient creates a Home Assistant API client.
// baseURL is the instance address (e.g. "http://homeassistant.local:8123");
// token is a long-lived access token or the supervisor token.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		logger:     logger.With("component", "homeassistant"),
	}
}

// Execute calls a Home Assistant service. service is in "domain.service"
// form (e.g. "light.turn_on"); args become the JSON service data.
// Returns a summary map suitable for narrating back to the caller.
func (c *Client) Execute(ctx context.Context, service string, args map[string]any) (map[string]any, error) {
	domain, name, ok := strings.Cut(service, ".")
	if !ok || domain == "" || name == "" {
		return nil, fmt.Errorf("homeassistant: invalid service %q, want domain.service", service)
	}

	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("homeassistant: marshalling service data: %w", err)
	}

	url := fmt.Sprintf("%s/api/services/%s/%s", c.baseURL, domain, name)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("homeassistant: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.token)

	c.logger.Info("calling service", "service", service)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("homeassistant: calling %s: %w", service, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("homeassistant: reading response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("homeassistant: authentication failed for %s (status 401)", service)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, fmt.Errorf("homeassistant: %s returned status %d: %s", service, resp.StatusCode, truncate(respBody, 200))
	}

	// The service endpoint returns the list of changed entity states.
	var changed []map[string]any
	if err := json.Unmarshal(respBody, &changed); err != nil {
		c.logger.Debug("non-list service response", "service", service)
		return map[string]any{"success": true}, nil
	}

	result := map[string]any{
		"success":          true,
		"changed_entities": entityIDs(changed),
	}
	return result, nil
}

// Configured reports whether the client has an address and a token.
func (c *Client) Configured() bool {
	return c.baseURL != "" && c.token != ""
}

// entityIDs extracts the entity_id of each changed state.
func entityIDs(states []map[string]any) []string {
	ids := make([]string, 0, len(states))
	for _, s := range states {
		if id, ok := s["entity_id"].(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
