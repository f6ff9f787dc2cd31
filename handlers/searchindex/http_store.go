package searchindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"

	queue "github.com/DoNewsCode/jobboard-queue"
)

// HTTPStore is a Store speaking the document API of Meilisearch-compatible
// search engines: POST /indexes/{index}/documents and
// DELETE /indexes/{index}/documents/{id}.
type HTTPStore struct {
	Endpoint string
	Index    string
	APIKey   string
	Client   *http.Client
}

// NewHTTPStore creates a HTTPStore with a bounded client timeout.
func NewHTTPStore(endpoint, index, apiKey string) *HTTPStore {
	return &HTTPStore{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Index:    index,
		APIKey:   apiKey,
		Client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Upsert implements Store.
func (s *HTTPStore) Upsert(ctx context.Context, doc Document) error {
	body, err := json.Marshal([]Document{doc})
	if err != nil {
		return queue.Permanent(err)
	}
	return s.do(ctx, http.MethodPost, fmt.Sprintf("/indexes/%s/documents", url.PathEscape(s.Index)), body)
}

// Delete implements Store.
func (s *HTTPStore) Delete(ctx context.Context, id string) error {
	err := s.do(ctx, http.MethodDelete, fmt.Sprintf("/indexes/%s/documents/%s", url.PathEscape(s.Index), url.PathEscape(id)), nil)
	var status statusError
	if errors.As(err, &status) && status.code == http.StatusNotFound {
		return nil
	}
	return err
}

type statusError struct {
	code int
	body string
}

func (e statusError) Error() string {
	return fmt.Sprintf("search engine responded %d: %s", e.code, e.body)
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.Endpoint+path, reader)
	if err != nil {
		return queue.Permanent(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "search engine unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	err = statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	if retryable(resp.StatusCode) {
		return err
	}
	return queue.Permanent(err)
}

// retryable reports whether a response status may succeed on a later attempt.
func retryable(code int) bool {
	return code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout
}
