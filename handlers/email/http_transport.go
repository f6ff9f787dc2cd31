package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"

	queue "github.com/DoNewsCode/jobboard-queue"
)

// HTTPTransport posts messages as JSON to a mail API, which renders the
// template and delivers it.
type HTTPTransport struct {
	Endpoint string
	APIKey   string
	From     string
	Client   *http.Client
}

// NewHTTPTransport creates a HTTPTransport with a bounded client timeout.
func NewHTTPTransport(endpoint, apiKey, from string) *HTTPTransport {
	return &HTTPTransport{
		Endpoint: endpoint,
		APIKey:   apiKey,
		From:     from,
		Client:   &http.Client{Timeout: 15 * time.Second},
	}
}

type sendRequest struct {
	From string `json:"from,omitempty"`
	Message
}

// Send implements Transport. Only a request that cannot be built is permanent;
// every response other than 2xx is retried up to the queue's attempt limit.
func (t *HTTPTransport) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(sendRequest{From: t.From, Message: msg})
	if err != nil {
		return queue.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(body))
	if err != nil {
		return queue.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.APIKey)
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "mail api unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("mail api responded %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
}
