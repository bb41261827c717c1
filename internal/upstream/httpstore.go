package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chatrelay/internal/resilience"
	"chatrelay/pkg/types"
)

// maxErrorBody bounds how much of an error response is kept
const maxErrorBody = 512

// HTTPMessageStore persists messages through the message service's REST API
type HTTPMessageStore struct {
	baseURL string
	client  *http.Client
}

// NewHTTPMessageStore creates a store posting to baseURL. Timeouts are applied
// per attempt by the caller's guard; timeout here only bounds a single request.
func NewHTTPMessageStore(baseURL string, timeout time.Duration) (*HTTPMessageStore, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, ErrNoBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPMessageStore{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

type persistEnvelope struct {
	Message *types.Message `json:"message"`
}

// Persist posts msg on behalf of the token holder and returns the canonical record.
// Non-2xx responses become *resilience.StatusError; client errors other than
// 408 and 429 are marked permanent.
func (s *HTTPMessageStore) Persist(ctx context.Context, msg *types.Message, authToken string) (*types.Message, error) {
	if msg == nil {
		return nil, resilience.Permanent(ErrNilMessage)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("failed to encode message: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("failed to build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if authToken != "" {
		req.Header.Set("Authorization", "Bearer "+authToken)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("message store request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &resilience.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
		if isPermanentStatus(resp.StatusCode) {
			return nil, resilience.Permanent(statusErr)
		}
		return nil, statusErr
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return decodeMessage(data)
}

// decodeMessage accepts either {"message": {...}} or the bare message
func decodeMessage(data []byte) (*types.Message, error) {
	var envelope persistEnvelope
	if err := json.Unmarshal(data, &envelope); err == nil && envelope.Message != nil && envelope.Message.ID != "" {
		return envelope.Message, nil
	}

	var msg types.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	if msg.ID == "" {
		return nil, resilience.Permanent(ErrEmptyResponse)
	}
	return &msg, nil
}

func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

// HealthCheck probes {base}/health
func (s *HTTPMessageStore) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("message store unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &resilience.StatusError{Code: resp.StatusCode}
	}
	return nil
}
