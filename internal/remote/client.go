// Package remote persists messages and call records through a hosted
// PostgREST-style REST API.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/swoon/internal/call"
	"github.com/matheus3301/swoon/internal/chat"
	"github.com/matheus3301/swoon/internal/logging"
)

// APIError is a non-2xx response from the REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote: %d: %s", e.Status, e.Message)
}

// TokenSource supplies the bearer token for each request.
type TokenSource interface {
	Token() string
}

// Client talks to <baseURL>/rest/v1.
type Client struct {
	baseURL string
	apiKey  string
	tokens  TokenSource
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a REST client. tokens may be nil, in which case the API
// key doubles as the bearer token.
func NewClient(baseURL, apiKey string, tokens TokenSource, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		tokens:  tokens,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logging.OrNop(logger),
	}
}

// SendMessage inserts a message row and returns the stored representation.
func (c *Client) SendMessage(ctx context.Context, out chat.OutgoingMessage) (*chat.Message, error) {
	if out.Type == "" {
		out.Type = chat.TypeText
	}
	var rows []chat.Message
	if err := c.do(ctx, http.MethodPost, "/rest/v1/messages", nil, out, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("remote: insert returned no rows")
	}
	return &rows[0], nil
}

// ListMessages returns a conversation's messages newest first. A zero before
// lists from the newest message.
func (c *Client) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	q := url.Values{
		"conversation_id": {"eq." + conversationID},
		"order":           {"created_at.desc"},
		"limit":           {strconv.Itoa(limit)},
	}
	if !before.IsZero() {
		q.Set("created_at", "lt."+before.UTC().Format(time.RFC3339Nano))
	}
	var rows []chat.Message
	if err := c.do(ctx, http.MethodGet, "/rest/v1/messages", q, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

type callRow struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	CallerID       string      `json:"caller_id"`
	Type           call.Type   `json:"call_type"`
	Status         call.Status `json:"status"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	EndedAt        *time.Time  `json:"ended_at,omitempty"`
	Duration       int         `json:"duration_seconds"`
}

type participantRow struct {
	CallID string `json:"call_id"`
	UserID string `json:"user_id"`
}

// CreateCall inserts the call row and its participants.
func (c *Client) CreateCall(ctx context.Context, rec call.Record) error {
	row := callRow{
		ID:             rec.ID,
		ConversationID: rec.ConversationID,
		CallerID:       rec.CallerID,
		Type:           rec.Type,
		Status:         rec.Status,
		StartedAt:      rec.StartedAt,
		EndedAt:        rec.EndedAt,
		Duration:       rec.Duration,
	}
	if err := c.do(ctx, http.MethodPost, "/rest/v1/calls", nil, row, nil); err != nil {
		return err
	}
	if len(rec.Participants) == 0 {
		return nil
	}
	parts := make([]participantRow, 0, len(rec.Participants))
	for _, p := range rec.Participants {
		parts = append(parts, participantRow{CallID: rec.ID, UserID: p})
	}
	return c.do(ctx, http.MethodPost, "/rest/v1/call_participants", nil, parts, nil)
}

// UpdateCall patches the call row identified by id.
func (c *Client) UpdateCall(ctx context.Context, id string, u call.Update) error {
	q := url.Values{"id": {"eq." + id}}
	return c.do(ctx, http.MethodPatch, "/rest/v1/calls", q, u, nil)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", c.apiKey)
	token := c.apiKey
	if c.tokens != nil {
		if t := c.tokens.Token(); t != "" {
			token = t
		}
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if out != nil {
		req.Header.Set("Prefer", "return=representation")
	} else {
		req.Header.Set("Prefer", "return=minimal")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(data, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		c.logger.Warn("remote request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", apiErr.Code),
		)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
