package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/migadu/courier/config"
)

// HTTPRelayRequest is the JSON body posted to an HTTP relay provider.
type HTTPRelayRequest struct {
	From       string   `json:"from"`
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"` // RFC822 message as string
}

type httpRelayResponse struct {
	MessageID string `json:"message_id"`
}

// HTTPRelay posts composed messages to an HTTP API with a Bearer token.
type HTTPRelay struct {
	url       string
	authToken string
	hostname  string
	client    *http.Client
}

func NewHTTPRelay(cfg config.RelayProviderConfig, hostname string) (*HTTPRelay, error) {
	if cfg.HTTPURL == "" {
		return nil, fmt.Errorf("relay %s: HTTP relay URL not configured", cfg.Name)
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("relay %s: invalid timeout: %w", cfg.Name, err)
	}
	return &HTTPRelay{
		url:       cfg.HTTPURL,
		authToken: cfg.AuthToken,
		hostname:  hostname,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
			},
		},
	}, nil
}

// Send posts the message. 4xx responses are permanent failures, 5xx and
// transport errors are temporary. A message_id in the response body is
// returned in place of the locally generated one.
func (r *HTTPRelay) Send(ctx context.Context, from, to, subject, text, html string) (string, error) {
	msg, err := Compose(r.hostname, from, to, subject, text, html)
	if err != nil {
		return "", &RelayError{Err: err, Permanent: true}
	}

	body, err := json.Marshal(HTTPRelayRequest{
		From:       from,
		Recipients: []string{to},
		Message:    string(msg.Bytes),
	})
	if err != nil {
		return "", &RelayError{Err: fmt.Errorf("failed to marshal relay request: %w", err), Permanent: true}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", &RelayError{Err: fmt.Errorf("failed to create HTTP request: %w", err), Permanent: true}
	}
	req.Header.Set("Content-Type", "application/json")
	if r.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+r.authToken)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", &RelayError{Err: fmt.Errorf("failed to send HTTP relay request: %w", err)}
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &RelayError{
			Err:       fmt.Errorf("HTTP relay returned error status: %d", resp.StatusCode),
			Permanent: resp.StatusCode >= 400 && resp.StatusCode < 500,
		}
	}

	var parsed httpRelayResponse
	if len(payload) > 0 && json.Unmarshal(payload, &parsed) == nil && parsed.MessageID != "" {
		return parsed.MessageID, nil
	}
	return msg.MessageID, nil
}

// Close releases idle keep-alive connections.
func (r *HTTPRelay) Close() error {
	r.client.CloseIdleConnections()
	return nil
}
