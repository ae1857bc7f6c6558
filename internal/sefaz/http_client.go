package sefaz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HTTPClient fetches DistDFe batches through the fiscal bridge service,
// which owns the SOAP envelope, certificates, and XML decompression. The
// bridge passes upstream rejection text through verbatim, so the cStat 656
// signature survives for Sanitize to catch.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// HTTPConfig holds bridge connection settings.
type HTTPConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// NewHTTPClient creates a bridge-backed SEFAZ client.
func NewHTTPClient(cfg HTTPConfig, logger *zap.Logger) *HTTPClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}

	return &HTTPClient{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type fetchRequest struct {
	CompanyID string `json:"company_id"`
	UltNSU    int64  `json:"ult_nsu"`
}

type fetchResponse struct {
	Documents []struct {
		NSU    int64  `json:"nsu"`
		Schema string `json:"schema"`
		XML    []byte `json:"xml"`
	} `json:"documents"`
	NextNSU int64  `json:"next_nsu"`
	Done    bool   `json:"done"`
	Error   string `json:"error,omitempty"`
}

// FetchBatch implements Client.
func (c *HTTPClient) FetchBatch(ctx context.Context, companyID uuid.UUID, cursor int64) (*Batch, error) {
	body, err := json.Marshal(fetchRequest{
		CompanyID: companyID.String(),
		UltNSU:    cursor,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal fetch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/distdfe/fetch", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create fetch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("distdfe fetch failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	var parsed fetchResponse
	_ = json.Unmarshal(respBytes, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Upstream rejection text rides on the error field; keep it intact
		// for classification.
		if parsed.Error != "" {
			return nil, fmt.Errorf("distdfe rejected: %s", parsed.Error)
		}
		return nil, fmt.Errorf("distdfe fetch returned status %d", resp.StatusCode)
	}

	batch := &Batch{
		NextCursor: parsed.NextNSU,
		Done:       parsed.Done,
	}
	for _, d := range parsed.Documents {
		batch.Documents = append(batch.Documents, Document{
			NSU:    d.NSU,
			Schema: d.Schema,
			XML:    d.XML,
		})
	}

	c.logger.Debug("distdfe batch fetched",
		zap.String("company_id", companyID.String()),
		zap.Int("docs", len(batch.Documents)),
		zap.Int64("next_nsu", batch.NextCursor),
		zap.Bool("done", batch.Done),
	)

	return batch, nil
}
