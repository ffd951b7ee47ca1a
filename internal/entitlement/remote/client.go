// Package remote implements the Validator against the licensing server's
// HTTP API, and an in-process adapter for standalone deployments.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/config"
	entitlementdomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/domain"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
)

// HTTPValidator calls the remote validate-license endpoint with a bounded
// timeout. Any transport failure maps to ErrRemoteUnavailable; it never
// blocks a tool call beyond the configured timeout.
type HTTPValidator struct {
	baseURL string
	client  *http.Client
}

func NewHTTPValidator(cfg config.Config) *HTTPValidator {
	timeout := cfg.License.ValidateTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPValidator{
		baseURL: cfg.License.ServerURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (v *HTTPValidator) Validate(ctx context.Context, req licensedomain.ValidateLicenseRequest) (*entitlementdomain.RemoteValidation, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, v.baseURL+"/v1/licenses/validate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", entitlementdomain.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status %d", entitlementdomain.ErrRemoteUnavailable, resp.StatusCode)
	}

	var out entitlementdomain.RemoteValidation
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %v", entitlementdomain.ErrRemoteUnavailable, err)
	}
	return &out, nil
}
