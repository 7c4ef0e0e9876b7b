// Package webhook provides HTTP webhook notification support for verification events.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
)

// EventType represents the type of event that can trigger webhooks.
type EventType string

const (
	EventVerifyStart    EventType = "verify.start"
	EventVMCreated      EventType = "vm.created"
	EventVMDestroyed    EventType = "vm.destroyed"
	EventVerifyComplete EventType = "verify.complete"
	EventVerifyFailed   EventType = "verify.failed"
)

// Event represents an event payload sent to webhooks.
type Event struct {
	Event      EventType      `json:"event"`
	Timestamp  string         `json:"timestamp"`
	RunID      string         `json:"run_id,omitempty"`
	AgentID    string         `json:"agent_id,omitempty"`
	SnapshotID string         `json:"snapshot_id,omitempty"`
	VMID       string         `json:"vm_id,omitempty"`
	Error      string         `json:"error,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// HookConfig represents a single webhook configuration.
type HookConfig struct {
	URL     string        `json:"url" yaml:"url"`
	Secret  string        `json:"secret,omitempty" yaml:"secret,omitempty"`
	Events  []EventType   `json:"events" yaml:"events"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	Enabled bool          `json:"enabled" yaml:"enabled"`
}

// Config represents the webhook configuration.
type Config struct {
	Hooks          []HookConfig  `json:"hooks" yaml:"hooks,omitempty"`
	Enabled        bool          `json:"enabled" yaml:"enabled"`
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	RetryDelay     time.Duration `json:"retry_delay" yaml:"retry_delay"`
	AsyncQueueSize int           `json:"async_queue_size" yaml:"async_queue_size"`
}

// DefaultConfig returns the default webhook configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:        true,
		MaxRetries:     3,
		RetryDelay:     5 * time.Second,
		AsyncQueueSize: 100,
	}
}

// Client handles sending webhook notifications.
type Client struct {
	config *Config
	http   *http.Client
	log    logr.Logger
	queue  chan *job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	mu     sync.RWMutex
}

type job struct {
	event Event
	hook  HookConfig
}

// NewClient creates a new webhook client.
func NewClient(cfg *Config, log logr.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	size := cfg.AsyncQueueSize
	if size <= 0 {
		size = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Client{
		config: cfg,
		http:   &http.Client{Timeout: 30 * time.Second},
		log:    log.WithName("webhook"),
		queue:  make(chan *job, size),
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Enabled {
		c.start()
	}

	return c
}

func (c *Client) start() {
	c.once.Do(func() {
		c.wg.Add(1)
		go c.worker()
	})
}

// worker processes webhook notifications in the background.
func (c *Client) worker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			for len(c.queue) > 0 {
				job := <-c.queue
				c.send(job)
			}
			return
		case job := <-c.queue:
			c.send(job)
		}
	}
}

// Send sends an event to all matching webhooks.
// If async is true, the event is queued for background sending.
// If async is false, the event is sent synchronously.
func (c *Client) Send(event Event, async bool) error {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.config.Enabled {
		return nil
	}

	var hooks []HookConfig
	for _, hook := range c.config.Hooks {
		if !hook.Enabled {
			continue
		}
		if matchesEvent(hook, event.Event) {
			hooks = append(hooks, hook)
		}
	}

	if len(hooks) == 0 {
		return nil
	}

	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	if async {
		for _, hook := range hooks {
			select {
			case c.queue <- &job{event: event, hook: hook}:
			default:
				c.log.Info("webhook queue full, dropping event", "event", event.Event)
			}
		}
		return nil
	}

	var lastErr error
	for _, hook := range hooks {
		if err := c.sendSync(&job{event: event, hook: hook}); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (c *Client) send(job *job) {
	if err := c.sendSync(job); err != nil {
		c.log.Error(err, "webhook delivery failed", "event", job.event.Event, "url", job.hook.URL)
	}
}

// sendSync sends a webhook synchronously with retries.
func (c *Client) sendSync(job *job) error {
	payload, err := json.Marshal(job.event)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	delivery := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		req, cancel, err := c.createRequest(job, payload, delivery)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			cancel()
			lastErr = fmt.Errorf("http request: %w", err)
			continue
		}

		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		lastErr = fmt.Errorf("http %d: %s", resp.StatusCode, string(body))
	}

	return lastErr
}

func (c *Client) createRequest(job *job, payload []byte, delivery string) (*http.Request, context.CancelFunc, error) {
	ctx, cancel := context.Background(), context.CancelFunc(func() {})
	if job.hook.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, job.hook.Timeout)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.hook.URL, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, nil, err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "snapverify-webhook/1.0")
	req.Header.Set("X-Snapverify-Event", string(job.event.Event))
	req.Header.Set("X-Snapverify-Delivery", delivery)

	if job.hook.Secret != "" {
		req.Header.Set("X-Snapverify-Signature", Sign(payload, job.hook.Secret))
	}

	return req, cancel, nil
}

// Sign creates an HMAC-SHA256 signature for the payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func matchesEvent(hook HookConfig, event EventType) bool {
	for _, e := range hook.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// Close gracefully shuts down the webhook client, flushing queued events.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.config.Enabled {
		return nil
	}

	c.cancel()
	c.wg.Wait()
	return nil
}

// SendVerifyStart sends a verify.start event.
func (c *Client) SendVerifyStart(runID, agentID string, async bool) error {
	return c.Send(Event{
		Event:   EventVerifyStart,
		RunID:   runID,
		AgentID: agentID,
	}, async)
}

// SendVMCreated sends a vm.created event.
func (c *Client) SendVMCreated(runID, agentID, snapshotID, vmID string, async bool) error {
	return c.Send(Event{
		Event:      EventVMCreated,
		RunID:      runID,
		AgentID:    agentID,
		SnapshotID: snapshotID,
		VMID:       vmID,
	}, async)
}

// SendVMDestroyed sends a vm.destroyed event. errMsg is set when destruction failed.
func (c *Client) SendVMDestroyed(runID, agentID, vmID, errMsg string, async bool) error {
	return c.Send(Event{
		Event:   EventVMDestroyed,
		RunID:   runID,
		AgentID: agentID,
		VMID:    vmID,
		Error:   errMsg,
	}, async)
}

// SendVerifyComplete sends a verify.complete event.
func (c *Client) SendVerifyComplete(runID, agentID, snapshotID string, succeeded, total int, async bool) error {
	return c.Send(Event{
		Event:      EventVerifyComplete,
		RunID:      runID,
		AgentID:    agentID,
		SnapshotID: snapshotID,
		Metadata: map[string]any{
			"steps_succeeded": succeeded,
			"steps_total":     total,
		},
	}, async)
}

// SendVerifyFailed sends a verify.failed event.
func (c *Client) SendVerifyFailed(runID, agentID, snapshotID, code, errMsg string, async bool) error {
	return c.Send(Event{
		Event:      EventVerifyFailed,
		RunID:      runID,
		AgentID:    agentID,
		SnapshotID: snapshotID,
		Error:      errMsg,
		Metadata: map[string]any{
			"code": code,
		},
	}, async)
}
