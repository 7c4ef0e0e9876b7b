// Package backup is a client for the backup-management REST API: agents,
// snapshots and restore VMs.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/snapverify-project/snapverify/pkg/config"
	"github.com/snapverify-project/snapverify/pkg/errclass"
)

// APIError is returned for every failed backup-service call.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("backup api: %s", e.Message)
	}
	return fmt.Sprintf("backup api: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// Is matches errclass.ErrAPI.
func (e *APIError) Is(target error) bool { return target == errclass.ErrAPI }

// ErrorCode returns the stable code for API failures.
func (e *APIError) ErrorCode() string { return errclass.ErrAPI.Code }

// NotFound reports whether the service answered 404.
func (e *APIError) NotFound() bool { return e.StatusCode == http.StatusNotFound }

// Client talks to the backup-management API. It is safe for concurrent use.
type Client struct {
	baseURL        string
	apiKey         string
	viewerURL      string
	pageSize       int
	requestTimeout time.Duration
	pollInterval   time.Duration
	http           *http.Client
	log            logr.Logger
}

// NewClient creates a client from the backup section of the configuration.
func NewClient(cfg config.BackupConfig, log logr.Logger) *Client {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Client{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		viewerURL:      cfg.ViewerURL,
		pageSize:       pageSize,
		requestTimeout: cfg.RequestTimeout,
		pollInterval:   cfg.PollInterval,
		http:           &http.Client{},
		log:            log.WithName("backup"),
	}
}

// envelope is the {"data": ...} wrapper used by every endpoint.
type envelope struct {
	Data json.RawMessage `json:"data"`
}

// do performs one request and decodes the "data" member into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
		defer cancel()
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return &APIError{Message: err.Error(), Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.V(1).Info("request", "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		return &APIError{Message: fmt.Sprintf("%s %s: %v", method, path, err), Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("read body: %v", err), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Message: errorMessage(raw)}
	}

	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	data := json.RawMessage(raw)
	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && len(env.Data) > 0 {
		data = env.Data
	}
	if err := decodeData(data, out); err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode %s: %v", path, err), Err: err}
	}
	return nil
}

var errEmptyData = errors.New("empty data list")

// decodeData decodes data into out. Single-object endpoints sometimes answer
// with a one-element list, so a list is unwrapped when out is not a slice.
func decodeData(data json.RawMessage, out any) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, out); err == nil {
			return nil
		}
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			return errEmptyData
		}
		return json.Unmarshal(list[0], out)
	}
	return json.Unmarshal(trimmed, out)
}

// errorMessage extracts a readable message from an error body.
func errorMessage(raw []byte) string {
	var wire struct {
		Message string `json:"message"`
		Error   any    `json:"error"`
	}
	if json.Unmarshal(raw, &wire) == nil {
		if wire.Message != "" {
			return wire.Message
		}
		switch e := wire.Error.(type) {
		case string:
			return e
		case map[string]any:
			if m, ok := e["message"].(string); ok {
				return m
			}
		}
	}
	msg := strings.TrimSpace(string(raw))
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return msg
}
