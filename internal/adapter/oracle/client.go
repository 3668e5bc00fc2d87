// Package oracle is the HTTP client for the knowledge service. The
// service stores per-group facts and answers questions; all calls are
// best-effort collaborators of the message pipeline.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/nanoclaw/internal/domain"
)

// Options configures the client.
type Options struct {
	BaseURL    string
	AuthToken  string
	Timeout    time.Duration
	MaxRetries uint64
}

// Client talks to the knowledge service over JSON HTTP with bearer
// auth and bounded exponential retries on transient failures.
type Client struct {
	httpc *http.Client
	opts  Options
}

// New builds a Client. An empty BaseURL yields a client whose calls
// all return ErrNotFound, letting callers treat the oracle as absent.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	return &Client{
		httpc: &http.Client{Timeout: opts.Timeout},
		opts:  opts,
	}
}

type askRequest struct {
	GroupID  string `json:"group_id"`
	Question string `json:"question"`
}

type askResponse struct {
	Answer string `json:"answer"`
}

type rememberRequest struct {
	GroupID string `json:"group_id"`
	Fact    string `json:"fact"`
}

type recallRequest struct {
	GroupID string `json:"group_id"`
	Query   string `json:"query"`
}

type recallResponse struct {
	Results string `json:"results"`
}

type contextResponse struct {
	Context string `json:"context"`
}

// Ask poses a question scoped to a group.
func (c *Client) Ask(ctx domain.Context, groupID, question string) (string, error) {
	var out askResponse
	err := c.post(ctx, "/v1/ask", askRequest{GroupID: groupID, Question: question}, &out)
	if err != nil {
		return "", fmt.Errorf("op=oracle.ask: %w", err)
	}
	return out.Answer, nil
}

// Remember stores one fact for a group.
func (c *Client) Remember(ctx domain.Context, groupID, fact string) error {
	if err := c.post(ctx, "/v1/remember", rememberRequest{GroupID: groupID, Fact: fact}, nil); err != nil {
		return fmt.Errorf("op=oracle.remember: %w", err)
	}
	return nil
}

// Recall searches stored facts for a group.
func (c *Client) Recall(ctx domain.Context, groupID, query string) (string, error) {
	var out recallResponse
	if err := c.post(ctx, "/v1/recall", recallRequest{GroupID: groupID, Query: query}, &out); err != nil {
		return "", fmt.Errorf("op=oracle.recall: %w", err)
	}
	return out.Results, nil
}

// ContextBlock returns a compact context snippet for prompt injection;
// empty when the oracle has nothing or is unreachable.
func (c *Client) ContextBlock(ctx domain.Context, groupID string) (string, error) {
	var out contextResponse
	if err := c.get(ctx, "/v1/context/"+groupID, &out); err != nil {
		return "", fmt.Errorf("op=oracle.context_block: %w", err)
	}
	return out.Context, nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	if c.opts.BaseURL == "" {
		return domain.ErrNotFound
	}

	op := func() error {
		var rd io.Reader
		if body != nil {
			rd = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.opts.AuthToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.opts.AuthToken)
		}

		resp, err := c.httpc.Do(req)
		if err != nil {
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(domain.ErrNotFound)
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return backoff.Permanent(domain.ErrUnauthorized)
		case resp.StatusCode >= 500:
			return fmt.Errorf("oracle returned %d", resp.StatusCode)
		case resp.StatusCode >= 400:
			return backoff.Permanent(fmt.Errorf("oracle returned %d: %w", resp.StatusCode, domain.ErrInvalidArgument))
		}

		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.opts.MaxRetries), ctx)
	return backoff.Retry(op, bo)
}
