// Package credentials fetches short-lived repository access tokens from the
// token-issuing service.
package credentials

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/hochfrequenz/claude-coding-worker/internal/domain"
)

const tokenPath = "/api/v1/github/installation-token"

// maxErrorBody bounds how much of a failed response is logged
const maxErrorBody = 1024

// TokenRequest identifies who needs access to which repositories
type TokenRequest struct {
	OrgID  string   `json:"orgId"`
	UserID string   `json:"userId"`
	TaskID string   `json:"taskId"`
	Owner  string   `json:"owner"`
	Repos  []string `json:"repos"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// Gateway is the Credential Gateway
type Gateway struct {
	baseURL string
	client  *http.Client
	log     *zap.Logger
}

// NewGateway creates a gateway against baseURL
func NewGateway(baseURL string, timeout time.Duration, log *zap.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
		log: log.Named("credentials"),
	}
}

// FetchToken returns an installation token scoped to req.Owner/req.Repos.
// authToken is the caller's bearer token, forwarded as-is.
// Every failure wraps domain.ErrCredentialUnavailable; it is never retried here.
func (g *Gateway) FetchToken(ctx context.Context, req TokenRequest, authToken string) (string, error) {
	if req.Owner == "" || len(req.Repos) == 0 {
		return "", fmt.Errorf("%w: owner and at least one repository required", domain.ErrCredentialUnavailable)
	}

	log := g.log.With(zap.String("task_id", req.TaskID), zap.String("owner", req.Owner), zap.Strings("repos", req.Repos))

	payload, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("%w: encoding request: %v", domain.ErrCredentialUnavailable, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+tokenPath, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrCredentialUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+authToken)

	resp, err := g.client.Do(httpReq)
	if err != nil {
		log.Error("token request failed", zap.Error(err))
		return "", fmt.Errorf("%w: %v", domain.ErrCredentialUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		log.Error("token request rejected",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
		return "", fmt.Errorf("%w: token service returned %d", domain.ErrCredentialUnavailable, resp.StatusCode)
	}

	var out tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decoding response: %v", domain.ErrCredentialUnavailable, err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("%w: empty token in response", domain.ErrCredentialUnavailable)
	}

	log.Debug("installation token retrieved")
	return out.Token, nil
}
