// Package provider talks to the external forms service that stores form
// schemas and submissions for the provider backend.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"formflip/normalize"
	"formflip/schema"
)

const (
	defaultTimeout = 10 * time.Second
	userAgent      = "formflip"
)

// ErrNotFound is returned for 404 answers.
var ErrNotFound = errors.New("provider: not found")

// APIError is any other non-2xx answer.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider: unexpected status code %d", e.Status)
	}
	return fmt.Sprintf("provider: %d %s", e.Status, e.Message)
}

// Form is a form as stored by the provider. Schema is kept raw and read with
// schema.Decode, which tolerates documents this package did not write.
type Form struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description *string         `json:"description"`
	Schema      json.RawMessage `json:"schema"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

type FormInput struct {
	Name        string          `json:"name"`
	Description *string         `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

// SchemaJSON encodes a document for FormInput.
func SchemaJSON(doc schema.Document) json.RawMessage {
	b, err := json.Marshal(doc)
	if err != nil {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return b
}

type Submission struct {
	ID        int64          `json:"id"`
	FormID    string         `json:"formId"`
	Data      map[string]any `json:"data"`
	CreatedAt time.Time      `json:"createdAt"`
}

type Client struct {
	client    *http.Client
	cache     *cache.Cache
	logger    *zap.Logger
	baseURL   string
	apiKey    string
	projectID string
}

func New(baseURL, apiKey, projectID string, logger *zap.Logger) *Client {
	httpClient := &http.Client{Timeout: defaultTimeout}
	c := &Client{
		client:    httpClient,
		cache:     cache.New(time.Minute, 5*time.Minute),
		logger:    logger,
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		projectID: projectID,
	}
	httpClient.Transport = c
	return c
}

func (c *Client) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	return http.DefaultTransport.RoundTrip(req)
}

// projectPath formats a path under the project. String arguments are path
// escaped.
func (c *Client) projectPath(format string, args ...any) string {
	for i, a := range args {
		if s, ok := a.(string); ok {
			args[i] = url.PathEscape(s)
		}
	}
	return "/projects/" + url.PathEscape(c.projectID) + fmt.Sprintf(format, args...)
}

// do sends body as JSON (when non-nil) and decodes the answer into response
// (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, response any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("provider request", zap.String("method", method), zap.String("path", path))
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &payload) == nil {
			if payload.Message != "" {
				msg = payload.Message
			} else if payload.Error != "" {
				msg = payload.Error
			}
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if response == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(response); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func formCacheKey(id string) string {
	return "form:" + id
}

func (c *Client) CreateForm(ctx context.Context, input FormInput) (*Form, error) {
	var form Form
	if err := c.do(ctx, http.MethodPost, c.projectPath("/forms"), input, &form); err != nil {
		return nil, err
	}
	c.cache.Set(formCacheKey(form.ID), form, cache.DefaultExpiration)
	return &form, nil
}

// GetForm answers from a short-lived cache when possible.
func (c *Client) GetForm(ctx context.Context, id string) (*Form, error) {
	if x, found := c.cache.Get(formCacheKey(id)); found {
		form := x.(Form)
		return &form, nil
	}
	var form Form
	if err := c.do(ctx, http.MethodGet, c.projectPath("/forms/%s", id), nil, &form); err != nil {
		return nil, err
	}
	c.cache.Set(formCacheKey(id), form, cache.DefaultExpiration)
	return &form, nil
}

func (c *Client) UpdateForm(ctx context.Context, id string, input FormInput) (*Form, error) {
	c.cache.Delete(formCacheKey(id))
	var form Form
	if err := c.do(ctx, http.MethodPut, c.projectPath("/forms/%s", id), input, &form); err != nil {
		return nil, err
	}
	c.cache.Set(formCacheKey(id), form, cache.DefaultExpiration)
	return &form, nil
}

func (c *Client) DeleteForm(ctx context.Context, id string) error {
	c.cache.Delete(formCacheKey(id))
	return c.do(ctx, http.MethodDelete, c.projectPath("/forms/%s", id), nil, nil)
}

func (c *Client) CreateSubmission(ctx context.Context, formID string, data map[string]any) (*Submission, error) {
	var sub Submission
	body := map[string]any{"data": data}
	if err := c.do(ctx, http.MethodPost, c.projectPath("/forms/%s/submissions", formID), body, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) ListSubmissions(ctx context.Context, formID string) ([]Submission, error) {
	var payload struct {
		Submissions []Submission `json:"submissions"`
	}
	if err := c.do(ctx, http.MethodGet, c.projectPath("/forms/%s/submissions", formID), nil, &payload); err != nil {
		return nil, err
	}
	return payload.Submissions, nil
}

func (c *Client) GetSubmission(ctx context.Context, id int64) (*Submission, error) {
	var sub Submission
	if err := c.do(ctx, http.MethodGet, c.projectPath("/submissions/%s", strconv.FormatInt(id, 10)), nil, &sub); err != nil {
		return nil, err
	}
	return &sub, nil
}

func (c *Client) DeleteSubmission(ctx context.Context, id int64) error {
	return c.do(ctx, http.MethodDelete, c.projectPath("/submissions/%s", strconv.FormatInt(id, 10)), nil, nil)
}

// Text renders a submitted data value the way the relational backend stores it.
func Text(v any) string {
	return normalize.FromJSON(v)
}
