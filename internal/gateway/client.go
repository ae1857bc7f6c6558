// Package gateway is the client for the external WhatsApp messaging
// gateway. Session/QR management lives with the gateway itself; this core
// only starts sessions, checks status, and sends messages.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Sender is the send primitive the dispatch workers depend on.
type Sender interface {
	SendMessage(ctx context.Context, instanceName, toPhone, content string) (deliveryID string, err error)
}

// Config holds gateway connection settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the WhatsApp gateway over HTTP.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewClient creates a gateway client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type sendRequest struct {
	Instance string `json:"instance"`
	Phone    string `json:"phone"`
	Message  string `json:"message"`
}

type sendResponse struct {
	DeliveryID string `json:"delivery_id"`
	Error      string `json:"error,omitempty"`
	Code       string `json:"code,omitempty"`
}

// SendMessage delivers one message through the gateway and returns the
// gateway's delivery id. Failures come back as *Error so the worker can
// classify them.
func (c *Client) SendMessage(ctx context.Context, instanceName, toPhone, content string) (string, error) {
	body, err := json.Marshal(sendRequest{
		Instance: instanceName,
		Phone:    toPhone,
		Message:  content,
	})
	if err != nil {
		return "", fmt.Errorf("marshal send request: %w", err)
	}

	resp, err := c.post(ctx, "/api/messages/send", body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed sendResponse
	_ = json.Unmarshal(respBytes, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		gerr := &Error{
			StatusCode: resp.StatusCode,
			Code:       parsed.Code,
			Message:    parsed.Error,
		}
		if gerr.Message == "" {
			gerr.Message = string(respBytes)
		}
		return "", gerr
	}

	c.logger.Info("message accepted by gateway",
		zap.String("instance", instanceName),
		zap.String("delivery_id", parsed.DeliveryID),
	)

	return parsed.DeliveryID, nil
}

// StartSession asks the gateway to open an instance session.
func (c *Client) StartSession(ctx context.Context, instanceName string) error {
	body, err := json.Marshal(map[string]string{"instance": instanceName})
	if err != nil {
		return fmt.Errorf("marshal session request: %w", err)
	}

	resp, err := c.post(ctx, "/api/sessions/start", body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &Error{StatusCode: resp.StatusCode, Message: "start session failed"}
	}
	return nil
}

// SessionStatus returns the gateway's view of an instance session.
func (c *Client) SessionStatus(ctx context.Context, instanceName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/sessions/"+instanceName+"/status", nil)
	if err != nil {
		return "", fmt.Errorf("create status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("session status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &Error{StatusCode: resp.StatusCode, Message: "session status failed"}
	}

	var parsed struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode status response: %w", err)
	}
	return parsed.Status, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create gateway request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("User-Agent", "notazap/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}
	return resp, nil
}
