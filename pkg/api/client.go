// Package api is the REST client for the conversation backend. It carries
// no state of its own: snapshots in, sends and read/status updates out.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	"github.com/tinyland-inc/tinyinbox/pkg/inbox"
	"github.com/tinyland-inc/tinyinbox/pkg/utils"
)

// StatusError is a non-2xx backend response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Body)
}

// CredentialError wraps a failure to obtain a bearer token. The identity
// provider may simply not be ready yet, so it classifies as transient.
type CredentialError struct {
	Err error
}

func (e *CredentialError) Error() string { return fmt.Sprintf("obtaining credential: %v", e.Err) }
func (e *CredentialError) Unwrap() error { return e.Err }

// IsTransient classifies an error as retryable: network/timeout trouble,
// auth-not-yet-ready, throttling, or a 5xx from the backend.
func IsTransient(err error) bool {
	var credErr *CredentialError
	if errors.As(err, &credErr) {
		return true
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode >= 500:
			return true
		case statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode == http.StatusTooManyRequests:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// Client talks to the conversation backend. A nil token source degrades to
// requests without an Authorization header (public/widget endpoints).
type Client struct {
	baseURL     string
	httpClient  *http.Client
	tokenSource oauth2.TokenSource
}

// NewClient creates a backend client for the given base URL.
func NewClient(baseURL string, ts oauth2.TokenSource) *Client {
	return &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		tokenSource: ts,
	}
}

type snapshotResponse struct {
	Conversations []inbox.ConversationSummary `json:"conversations"`
	Complete      *bool                       `json:"complete,omitempty"`
}

// Conversations fetches the snapshot for one platform slice (or all when
// platform is empty). The second return reports whether the backend flagged
// the snapshot complete; absent flags default to complete, a filtered fetch
// must say otherwise.
func (c *Client) Conversations(ctx context.Context, platform inbox.Platform) ([]inbox.ConversationSummary, bool, error) {
	path := "/conversations"
	if platform != "" {
		path += "?platform=" + url.QueryEscape(string(platform))
	}
	var resp snapshotResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, false, err
	}
	complete := resp.Complete == nil || *resp.Complete
	return resp.Conversations, complete, nil
}

// Conversation fetches a single summary, used to heal an event targeting a
// conversation the store has never seen.
func (c *Client) Conversation(ctx context.Context, conversationID string) (inbox.ConversationSummary, error) {
	if err := utils.ValidateConversationID(conversationID); err != nil {
		return inbox.ConversationSummary{}, err
	}
	var rec inbox.ConversationSummary
	err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID), nil, &rec)
	return rec, err
}

// FetchMessages loads a conversation thread. Satisfies thread.Fetcher.
func (c *Client) FetchMessages(ctx context.Context, conversationID string) ([]inbox.Message, error) {
	if err := utils.ValidateConversationID(conversationID); err != nil {
		return nil, err
	}
	var msgs []inbox.Message
	err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(conversationID)+"/messages", nil, &msgs)
	return msgs, err
}

type sendRequest struct {
	Content       string `json:"content"`
	CorrelationID string `json:"correlation_id"`
}

// SendMessage posts one outbound message and returns the server-confirmed
// record. Satisfies thread.Sender.
func (c *Client) SendMessage(ctx context.Context, conversationID, content, correlationID string) (inbox.Message, error) {
	if err := utils.ValidateConversationID(conversationID); err != nil {
		return inbox.Message{}, err
	}
	var msg inbox.Message
	err := c.do(ctx, http.MethodPost,
		"/conversations/"+url.PathEscape(conversationID)+"/messages",
		sendRequest{Content: content, CorrelationID: correlationID}, &msg)
	return msg, err
}

// MarkRead marks a conversation read on the backend.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	if err := utils.ValidateConversationID(conversationID); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}

// SetStatus updates a conversation's status label on the backend.
func (c *Client) SetStatus(ctx context.Context, conversationID string, status inbox.Status) error {
	if err := utils.ValidateConversationID(conversationID); err != nil {
		return err
	}
	body := struct {
		Status inbox.Status `json:"status"`
	}{Status: status}
	return c.do(ctx, http.MethodPatch, "/conversations/"+url.PathEscape(conversationID)+"/status", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokenSource != nil {
		tok, err := c.tokenSource.Token()
		if err != nil {
			return &CredentialError{Err: err}
		}
		tok.SetAuthHeader(req)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(data))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s %s response: %w", method, path, err)
	}
	return nil
}
