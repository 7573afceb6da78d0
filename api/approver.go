package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
)

// FunctionApprover forwards approval requests to the serverless
// function that flips the profile flag and emails the user.
type FunctionApprover struct {
	URL    string
	APIKey string
	HTTP   *http.Client
}

// NewFunctionApprover creates an approver targeting the function URL.
func NewFunctionApprover(url, apiKey string) *FunctionApprover {
	return &FunctionApprover{
		URL:    url,
		APIKey: apiKey,
		HTTP:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *FunctionApprover) Approve(ctx context.Context, req ApprovalRequest) (map[string]any, error) {
	if a.URL == "" {
		return nil, fmt.Errorf("approval function not configured")
	}

	body, err := sonic.ConfigStd.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if a.APIKey != "" {
		httpReq.Header.Set("x-functions-key", a.APIKey)
	}

	resp, err := a.HTTP.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("approval function: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("approval function returned status %d: %s", resp.StatusCode, string(data))
	}

	result := map[string]any{}
	if len(data) > 0 {
		if err := sonic.ConfigStd.Unmarshal(data, &result); err != nil {
			return nil, fmt.Errorf("approval function returned invalid response: %w", err)
		}
	}
	return result, nil
}
