// Package rest is the thin HTTP client the offline layers replay through.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/shulehub/shule/client/outbox"
	clientsync "github.com/shulehub/shule/client/sync"
	"github.com/shulehub/shule/core/chat"
)

// the client backs both the outbox replay and the resync pulls
var (
	_ outbox.Sender      = (*Client)(nil)
	_ clientsync.Fetcher = (*Client)(nil)
)

// APIError is a response the server actively refused. Client errors are
// definitive: replaying the same request can only fail the same way.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Body)
}

func (e *APIError) Definitive() bool {
	return e.Status >= 400 && e.Status < 500
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// SetToken swaps the bearer token, e.g. after a refresh.
func (c *Client) SetToken(token string) { c.token = token }

type messageResponse struct {
	chat.Message
	ClientRef string `json:"client_ref,omitempty"`
}

// SendMessage posts a message, passing clientRef through for reconciliation.
func (c *Client) SendMessage(ctx context.Context, conversationID, content, clientRef string) (chat.Message, error) {
	var resp messageResponse
	err := c.do(ctx, http.MethodPost, "/v1/conversations/"+conversationID+"/messages",
		map[string]string{"content": content, "client_ref": clientRef}, &resp)
	return resp.Message, err
}

// MarkRead submits a read receipt and returns the messages that transitioned.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) ([]chat.Message, error) {
	var msgs []chat.Message
	err := c.do(ctx, http.MethodPatch, "/v1/conversations/"+conversationID+"/read",
		map[string][]string{"message_ids": messageIDs}, &msgs)
	return msgs, err
}

// ListConversations fetches the caller's conversation summaries.
func (c *Client) ListConversations(ctx context.Context) ([]chat.ConversationSummary, error) {
	var summaries []chat.ConversationSummary
	err := c.do(ctx, http.MethodGet, "/v1/conversations", nil, &summaries)
	return summaries, err
}

// ListMessages pages a conversation newest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int, before time.Time) ([]chat.Message, error) {
	path := "/v1/conversations/" + conversationID + "/messages"
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if !before.IsZero() {
		query.Set("before", before.Format(time.RFC3339Nano))
	}
	if len(query) > 0 {
		path += "?" + query.Encode()
	}
	var msgs []chat.Message
	err := c.do(ctx, http.MethodGet, path, nil, &msgs)
	return msgs, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshaling request body")
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "performing request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response body")
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return errors.Wrap(err, "unmarshaling response")
		}
	}
	return nil
}
