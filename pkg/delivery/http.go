package delivery

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bailedk/mile-quest-realtime/pkg/config"
)

// HTTPClient publishes events through the hosted service's REST API.
// Requests are signed with an HMAC of the body so the service can reject
// tampered payloads.
type HTTPClient struct {
	baseURL string
	appID   string
	key     string
	secret  []byte
	client  *http.Client
}

var _ Client = (*HTTPClient)(nil)

func NewHTTPClient(cfg config.DeliveryConfig) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		baseURL: cfg.BaseURL,
		appID:   cfg.AppID,
		key:     cfg.Key,
		secret:  []byte(cfg.Secret),
		client:  &http.Client{Timeout: timeout},
	}
}

type eventRequest struct {
	Name    string `json:"name"`
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

type batchRequest struct {
	Batch []BatchItem `json:"batch"`
}

func (c *HTTPClient) Trigger(ctx context.Context, channel, event string, payload any) error {
	return c.post(ctx, "/events", eventRequest{Name: event, Channel: channel, Data: payload})
}

func (c *HTTPClient) TriggerBatch(ctx context.Context, items []BatchItem) error {
	return c.post(ctx, "/batch_events", batchRequest{Batch: items})
}

func (c *HTTPClient) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/channels"), nil)
	if err != nil {
		return err
	}
	c.sign(req, nil)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("delivery probe returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) post(ctx context.Context, path string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding delivery payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.sign(req, encoded)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("delivery service returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) url(path string) string {
	return fmt.Sprintf("%s/apps/%s%s", c.baseURL, c.appID, path)
}

func (c *HTTPClient) sign(req *http.Request, body []byte) {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write(body)
	req.Header.Set("X-App-Key", c.key)
	req.Header.Set("X-Signature", hex.EncodeToString(mac.Sum(nil)))
}
