// Package graph is a minimal client for the messaging platform's Graph API:
// sending direct messages and private comment replies, and resolving user
// profiles through an ordered list of lookup strategies.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const (
	maxErrorBody         = 64 * 1024
	defaultProfileFields = "name,first_name,last_name,profile_pic,profile_picture_url,username"
)

// Config holds client settings.
type Config struct {
	BaseURL string
	// AlternateURL, when set, adds a profile lookup against a second host.
	AlternateURL  string
	AccessToken   string
	PageID        string
	ProfileFields string
	Timeout       time.Duration
	RateLimit     float64
	Burst         int
}

// Recipient addresses a message. Exactly one field should be set: ID for a
// direct message, CommentID for a private reply to a comment.
type Recipient struct {
	ID        string `json:"id,omitempty"`
	CommentID string `json:"comment_id,omitempty"`
}

// SendResult is the platform's acknowledgement of a sent message.
type SendResult struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// Client talks to the Graph API.
type Client struct {
	cfg      Config
	http     *http.Client
	limiter  *rate.Limiter
	profiles *ProfileChain
}

// New creates a client. A nil httpClient uses a default one.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.ProfileFields == "" {
		cfg.ProfileFields = defaultProfileFields
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}

	c := &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}
	c.profiles = DefaultProfileChain(c)
	return c
}

// SendMessage delivers text to recipient. Calls are paced by the client's rate
// limiter and bounded by the configured timeout.
func (c *Client) SendMessage(ctx context.Context, to Recipient, text string) (*SendResult, error) {
	if c.cfg.AccessToken == "" {
		return nil, ErrNotConfigured
	}
	if (to.ID == "") == (to.CommentID == "") {
		return nil, fmt.Errorf("recipient needs exactly one of id or comment_id")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	if err := c.limiter.Wait(ctx); err != nil {
		if ctx.Err() == nil {
			// The limiter refuses waits that would outlive the deadline.
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		return nil, fmt.Errorf("wait for send slot: %w", err)
	}

	body, err := json.Marshal(map[string]any{
		"recipient": to,
		"message":   map[string]string{"text": text},
	})
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}

	var out SendResult
	if err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/me/messages", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProfile resolves a user's profile using the configured strategies.
func (c *Client) GetProfile(ctx context.Context, subjectID string) (*Profile, error) {
	if c.cfg.AccessToken == "" {
		return nil, ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return c.profiles.ResolveProfile(ctx, subjectID)
}

// ProfileStrategies names the profile lookup strategies in the order tried.
func (c *Client) ProfileStrategies() []string {
	return c.profiles.Names()
}

func (c *Client) do(ctx context.Context, method, rawURL string, query url.Values, body []byte, out any) error {
	if len(query) > 0 {
		rawURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("graph request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode graph response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		envelope.Error.Status = resp.StatusCode
		return envelope.Error
	}
	return &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
}
