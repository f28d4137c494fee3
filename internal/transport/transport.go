// Package transport is the request collaborator of the sync engine: a JSON
// request primitive with timeout and cancellation that fails with a typed
// StatusError, plus the wire types of the batch endpoint.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mschirtzinger/calsync/internal/schema"
)

// Request describes one call.
type Request struct {
	Method string
	Body   any
	// Timeout overrides the client default when positive.
	Timeout time.Duration
}

// Requester issues requests. Cancelling ctx aborts the call.
//
// On success the JSON response is decoded into out (which may be nil).
// Failures are *StatusError values.
type Requester interface {
	Do(ctx context.Context, path string, req Request, out any) error
}

// Config holds HTTP client configuration.
type Config struct {
	// BaseURL is prefixed to every request path.
	BaseURL string

	// Timeout is the default per-request deadline.
	Timeout time.Duration

	// Token, when set, is sent as a bearer token.
	Token string

	// HTTPClient defaults to a plain http.Client.
	HTTPClient *http.Client

	// Logger for request activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Timeout: 15 * time.Second,
		Logger:  log.New(os.Stderr, "[transport] ", log.LstdFlags),
	}
}

// Client is a Requester over HTTP.
type Client struct {
	baseURL string
	timeout time.Duration
	token   string
	http    *http.Client
	logger  *log.Logger
}

// New creates an HTTP Requester.
func New(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.Logger == nil {
		config.Logger = DefaultConfig().Logger
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		timeout: config.Timeout,
		token:   config.Token,
		http:    config.HTTPClient,
		logger:  config.Logger,
	}, nil
}

// errorBody is the JSON shape of a failed response.
type errorBody struct {
	Error    string         `json:"error"`
	Conflict *schema.Record `json:"conflict,omitempty"`
}

// Do implements Requester.
func (c *Client) Do(ctx context.Context, path string, req Request, out any) error {
	timeout := c.timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if req.Body != nil {
		data, err := json.Marshal(req.Body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return classify(ctx, callCtx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(ctx, callCtx, err)
	}

	if resp.StatusCode >= 400 {
		se := &StatusError{Status: resp.StatusCode}
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			se.Message = eb.Error
			se.Conflict = eb.Conflict
		} else {
			se.Message = strings.TrimSpace(string(data))
		}
		c.logger.Printf("%s %s: %v", method, path, se)
		return se
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// classify maps a transport failure onto a StatusError reason. The caller's
// cancellation is an abort; the per-call deadline is a timeout.
func classify(parent, call context.Context, err error) error {
	switch {
	case errors.Is(parent.Err(), context.Canceled):
		return &StatusError{Reason: ReasonAborted, Err: err}
	case errors.Is(parent.Err(), context.DeadlineExceeded), errors.Is(call.Err(), context.DeadlineExceeded):
		return &StatusError{Reason: ReasonTimedOut, Err: err}
	default:
		return &StatusError{Reason: ReasonNetwork, Err: err}
	}
}
