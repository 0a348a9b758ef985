package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/leadflow/funnel-server-go/internal/errors"
)

// Lead is the payload pushed to the CRM when a form is completed.
type Lead struct {
	Recipient   string          `json:"recipient"`
	SessionID   string          `json:"sessionId"`
	CompletedAt time.Time       `json:"completedAt"`
	Answers     json.RawMessage `json:"answers,omitempty"`
}

// CRMClient upserts leads. The call is a fire-and-log side effect: a
// failure is reported but never blocks message delivery.
type CRMClient interface {
	UpsertLead(ctx context.Context, lead Lead) (string, error)
}

type httpCRMClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewCRMClient(baseURL, apiKey string, timeout time.Duration) CRMClient {
	return &httpCRMClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *httpCRMClient) UpsertLead(ctx context.Context, lead Lead) (string, error) {
	body, err := json.Marshal(lead)
	if err != nil {
		return "", fmt.Errorf("marshal lead: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/leads", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build lead request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", apperrors.External("CRM", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", apperrors.External("CRM", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var result struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", apperrors.External("CRM", fmt.Errorf("decode response: %w", err))
	}
	return result.ID, nil
}

// noopCRMClient backs deployments without a CRM configured.
type noopCRMClient struct{}

func NewNoopCRMClient() CRMClient {
	return noopCRMClient{}
}

func (noopCRMClient) UpsertLead(ctx context.Context, lead Lead) (string, error) {
	return "", nil
}
