// Package crm logs inbound conversations onto existing CRM contacts. It only
// searches contacts and appends notes; it never creates contacts.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mattjoyce/replyd/internal/log"
)

const maxErrorBody = 64 * 1024

// ErrNotConfigured is returned when no API key is configured.
var ErrNotConfigured = errors.New("crm api key is not configured")

// fallbackProperties are tried after the configured handle property.
var fallbackProperties = []string{"Instagram", "instagram", "instagram_handle"}

// Config holds client settings.
type Config struct {
	BaseURL        string
	APIKey         string
	HandleProperty string
	Timeout        time.Duration
}

// APIError is a non-2xx response from the CRM.
type APIError struct {
	Status   int    `json:"-"`
	Message  string `json:"message"`
	Category string `json:"category"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("crm api error (status %d): %s", e.Status, e.Message)
}

// Client talks to the CRM REST API.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// New creates a client. A nil httpClient uses a default one.
func New(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:    cfg,
		http:   httpClient,
		logger: log.WithComponent("crm"),
		now:    time.Now,
	}
}

// Properties lists the contact properties searched for a handle, in order.
func (c *Client) Properties() []string {
	seen := make(map[string]bool, len(fallbackProperties)+1)
	var out []string
	for _, p := range append([]string{c.cfg.HandleProperty}, fallbackProperties...) {
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		out = append(out, p)
	}
	return out
}

// FindContactByHandle searches contacts whose handle property equals handle.
// Candidate properties that the CRM rejects as unknown are skipped.
func (c *Client) FindContactByHandle(ctx context.Context, handle string) (string, bool, error) {
	if c.cfg.APIKey == "" {
		return "", false, ErrNotConfigured
	}
	handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
	if handle == "" {
		return "", false, fmt.Errorf("handle is empty")
	}

	for _, prop := range c.Properties() {
		req := searchRequest{
			FilterGroups: []filterGroup{{Filters: []filter{{PropertyName: prop, Operator: "EQ", Value: handle}}}},
			Properties:   []string{"firstname", "lastname", prop},
			Limit:        1,
		}
		var resp struct {
			Results []struct {
				ID string `json:"id"`
			} `json:"results"`
		}
		err := c.post(ctx, "/crm/v3/objects/contacts/search", req, &resp)
		if isUnknownProperty(err) {
			c.logger.Debug("contact property not found, trying next", "property", prop)
			continue
		}
		if err != nil {
			return "", false, fmt.Errorf("search contacts by %s: %w", prop, err)
		}
		if len(resp.Results) > 0 && resp.Results[0].ID != "" {
			c.logger.Info("crm contact found", "property", prop, "contact_id", resp.Results[0].ID)
			return resp.Results[0].ID, true, nil
		}
	}
	return "", false, nil
}

// AppendNote creates a note "[source] text" and associates it with the
// contact. A failed association is logged; the note still counts as appended.
func (c *Client) AppendNote(ctx context.Context, contactID, text, source string) error {
	if c.cfg.APIKey == "" {
		return ErrNotConfigured
	}
	if contactID == "" {
		return fmt.Errorf("contact id is empty")
	}

	note := map[string]any{
		"properties": map[string]any{
			"hs_note_body": fmt.Sprintf("[%s] %s", source, text),
			"hs_timestamp": c.now().UnixMilli(),
		},
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := c.post(ctx, "/crm/v3/objects/notes", note, &created); err != nil {
		return fmt.Errorf("create note: %w", err)
	}
	if created.ID == "" {
		return fmt.Errorf("create note: response has no id")
	}

	assoc := map[string]any{
		"inputs": []map[string]any{{
			"from": map[string]string{"id": created.ID},
			"to":   map[string]string{"id": contactID},
			"type": "note_to_contact",
		}},
	}
	if err := c.post(ctx, "/crm/v4/associations/notes/contacts/batch/create", assoc, nil); err != nil {
		c.logger.Warn("note created but association failed", "note_id", created.ID, "contact_id", contactID, "error", err)
		return nil
	}
	c.logger.Info("note appended", "note_id", created.ID, "contact_id", contactID, "source", source)
	return nil
}

type searchRequest struct {
	FilterGroups []filterGroup `json:"filterGroups"`
	Properties   []string      `json:"properties"`
	Limit        int           `json:"limit"`
}

type filterGroup struct {
	Filters []filter `json:"filters"`
}

type filter struct {
	PropertyName string `json:"propertyName"`
	Operator     string `json:"operator"`
	Value        string `json:"value"`
}

func isUnknownProperty(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) &&
		apiErr.Status == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(apiErr.Message), "property")
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("crm request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(raw, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
			if apiErr.Message == "" {
				apiErr.Message = http.StatusText(resp.StatusCode)
			}
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode crm response: %w", err)
	}
	return nil
}
