package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"dispatch-engine-go/internal/config"
)

// HTTPClient is the production CallInitiator, posting JSON to the provider's
// call-initiation endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  *zap.Logger
}

// NewHTTPClient creates a provider client from config.
func NewHTTPClient(cfg *config.Config, logger *zap.Logger) *HTTPClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.ProviderBaseURL, "/"),
		apiKey:  cfg.ProviderAPIKey,
		http:    &http.Client{Timeout: cfg.ProviderTimeout},
		logger:  logger,
	}
}

// InitiateCall posts the call request to the provider. A non-2xx response or
// success=false in the body is returned as an error; the caller decides
// whether to retry the lead on a later tick.
func (c *HTTPClient) InitiateCall(ctx context.Context, req InitiateCallRequest) (*InitiateCallResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal call request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/calls", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("provider rejected call initiation",
			zap.Int("status", resp.StatusCode),
			zap.String("lead_id", req.LeadID))
		return nil, fmt.Errorf("%w: status %d", ErrCallRejected, resp.StatusCode)
	}

	var result InitiateCallResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}
	if !result.Success {
		return &result, fmt.Errorf("%w: %s", ErrCallRejected, result.Error)
	}
	if result.ExecutionID == "" {
		return &result, fmt.Errorf("%w: provider returned no execution id", ErrCallRejected)
	}
	return &result, nil
}
