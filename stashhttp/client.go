// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package stashhttp is the HTTP/JSON implementation of stashsync.Remote.
//
// Every call carries the session token of the scope as a bearer token and
// every failure is classified into the stashsync error taxonomy, so callers
// can branch with errors.Is without looking at status codes.
package stashhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mobiletoly/go-stashsync/stashsync"
)

// TokenSource returns the session token for scope. Token refresh is the
// caller's business; the client only reports ErrUnauthorized.
type TokenSource func(ctx context.Context, scope stashsync.Scope) (string, error)

// Client talks to the /v1 collection API
type Client struct {
	BaseURL string
	Token   TokenSource
	HTTP    *http.Client
	logger  *slog.Logger
}

var _ stashsync.Remote = (*Client)(nil)

// NewClient creates a client for baseURL (e.g. "https://api.example.com")
func NewClient(baseURL string, token TokenSource, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		BaseURL: baseURL,
		Token:   token,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

// FetchCollection returns the complete collection of t owned by scope
func (c *Client) FetchCollection(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType) ([]stashsync.RemoteSummary, error) {
	var resp stashsync.CollectionResponse
	if err := c.do(ctx, scope, http.MethodGet, c.collectionURL(t), nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", t.Collection(), err)
	}
	for i := range resp.Items {
		if resp.Items[i].Type == "" {
			resp.Items[i].Type = t
		}
	}
	return resp.Items, nil
}

// Create creates an entity. A 409 answer yields a *stashsync.ConflictError
// carrying the identity of the existing entity.
func (c *Client) Create(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType, patch stashsync.Patch) (stashsync.RemoteSummary, error) {
	var summary stashsync.RemoteSummary
	err := c.do(ctx, scope, http.MethodPost, c.collectionURL(t), patch, &summary)
	if err != nil {
		var conflict *stashsync.ConflictError
		if errors.As(err, &conflict) {
			conflict.Type = t
			return stashsync.RemoteSummary{}, conflict
		}
		return stashsync.RemoteSummary{}, fmt.Errorf("failed to create %s: %w", t, err)
	}
	if summary.Type == "" {
		summary.Type = t
	}
	return summary, nil
}

// Update applies a partial update and returns the resulting entity
func (c *Client) Update(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType, remoteID string, patch stashsync.Patch) (stashsync.RemoteSummary, error) {
	var summary stashsync.RemoteSummary
	if err := c.do(ctx, scope, http.MethodPatch, c.entityURL(t, remoteID), patch, &summary); err != nil {
		return stashsync.RemoteSummary{}, fmt.Errorf("failed to update %s %s: %w", t, remoteID, err)
	}
	if summary.Type == "" {
		summary.Type = t
	}
	return summary, nil
}

// Delete deletes an entity
func (c *Client) Delete(ctx context.Context, scope stashsync.Scope, t stashsync.EntityType, remoteID string) error {
	if err := c.do(ctx, scope, http.MethodDelete, c.entityURL(t, remoteID), nil, nil); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", t, remoteID, err)
	}
	return nil
}

func (c *Client) collectionURL(t stashsync.EntityType) string {
	return fmt.Sprintf("%s/v1/%s", c.BaseURL, t.Collection())
}

func (c *Client) entityURL(t stashsync.EntityType, remoteID string) string {
	return fmt.Sprintf("%s/v1/%s/%s", c.BaseURL, t.Collection(), url.PathEscape(remoteID))
}

func (c *Client) do(ctx context.Context, scope stashsync.Scope, method, target string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}

	token, err := c.Token(ctx, scope)
	if err != nil {
		return fmt.Errorf("%w: failed to get session token: %w", stashsync.ErrUnauthorized, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	start := time.Now()
	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: failed to send HTTP request: %w", stashsync.ErrTransient, err)
	}
	defer resp.Body.Close()
	c.logger.Debug("Remote call", "method", method, "url", target, "status", resp.StatusCode, "duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return classify(resp.StatusCode, respBody)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %w", stashsync.ErrTransient, err)
	}
	return nil
}

// classify maps a non-2xx answer onto the error taxonomy
func classify(status int, body []byte) error {
	var er stashsync.ErrorResponse
	_ = json.Unmarshal(body, &er)
	msg := er.Message
	if msg == "" {
		msg = string(bytes.TrimSpace(body))
	}

	var kind error
	switch {
	case status == http.StatusConflict:
		return &stashsync.ConflictError{RemoteID: er.RemoteID, Message: msg}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = stashsync.ErrUnauthorized
	case status == http.StatusNotFound:
		kind = stashsync.ErrNotFound
	case status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500:
		kind = stashsync.ErrTransient
	default:
		kind = stashsync.ErrRejected
	}
	return fmt.Errorf("%w: server returned status %d: %s", kind, status, msg)
}
