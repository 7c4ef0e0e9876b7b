package backup

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/model"
)

// VMOptions sizes a restore VM. Zero values leave the choice to the service.
type VMOptions struct {
	Name     string
	CPU      int
	MemoryMB int
}

type createVirtRequest struct {
	SnapshotID  string `json:"snapshot_id"`
	DeviceID    string `json:"device_id"`
	NetworkType string `json:"network_type"`
	Name        string `json:"name,omitempty"`
	CPU         int    `json:"cpu,omitempty"`
	Memory      int    `json:"memory,omitempty"`
}

type wireVNC struct {
	Type         string `json:"type"`
	WebsocketURI string `json:"websocket_uri"`
}

type wireVirt struct {
	VirtID      string    `json:"virt_id"`
	SnapshotID  string    `json:"snapshot_id"`
	Name        string    `json:"name"`
	State       string    `json:"state"`
	NetworkType string    `json:"network_type"`
	CreatedAt   string    `json:"created_at"`
	VNC         []wireVNC `json:"vnc"`
	VNCPassword string    `json:"vnc_password"`
}

// bootState maps the service state string onto the boot lifecycle.
func bootState(state string) model.BootState {
	switch strings.ToLower(state) {
	case "running":
		return model.BootReady
	case "error", "failed", "stopped", "deleted":
		return model.BootFailed
	case "", "creating", "pending", "queued":
		return model.BootPending
	default:
		return model.BootBooting
	}
}

func (c *Client) toModel(w wireVirt) model.RestoreVM {
	network := w.NetworkType
	if network == "" {
		network = model.NetworkNone
	}
	vm := model.RestoreVM{
		ID:              w.VirtID,
		Name:            w.Name,
		SnapshotID:      w.SnapshotID,
		Network:         network,
		NetworkIsolated: network == model.NetworkNone,
		State:           bootState(w.State),
		CreatedAt:       parseTime(w.CreatedAt),
	}
	if vm.State == model.BootReady {
		if u, err := c.consoleURL(w); err == nil {
			vm.ConsoleURL = u
		}
	}
	return vm
}

// CreateVM boots a restore VM from snap with networking disabled.
func (c *Client) CreateVM(ctx context.Context, snap model.Snapshot, opts VMOptions) (model.RestoreVM, error) {
	if snap.DeviceID == "" {
		return model.RestoreVM{}, &APIError{Message: fmt.Sprintf("snapshot %s has no restorable location", snap.ID)}
	}
	req := createVirtRequest{
		SnapshotID:  snap.ID,
		DeviceID:    snap.DeviceID,
		NetworkType: model.NetworkNone,
		Name:        opts.Name,
		CPU:         opts.CPU,
		Memory:      opts.MemoryMB,
	}
	var wire wireVirt
	if err := c.do(ctx, "POST", "/v1/restore/virt", nil, req, &wire); err != nil {
		return model.RestoreVM{}, err
	}
	if wire.VirtID == "" {
		return model.RestoreVM{}, &APIError{Message: "create response carried no virt_id"}
	}
	if wire.SnapshotID == "" {
		wire.SnapshotID = snap.ID
	}
	if wire.Name == "" {
		wire.Name = opts.Name
	}
	c.log.Info("restore vm created", "vm", wire.VirtID, "snapshot", snap.ID)
	return c.toModel(wire), nil
}

// GetVM returns the current state of a restore VM.
func (c *Client) GetVM(ctx context.Context, vmID string) (model.RestoreVM, error) {
	var wire wireVirt
	if err := c.do(ctx, "GET", "/v1/restore/virt/"+url.PathEscape(vmID), nil, nil, &wire); err != nil {
		return model.RestoreVM{}, err
	}
	if wire.VirtID == "" {
		wire.VirtID = vmID
	}
	return c.toModel(wire), nil
}

// ListVMs returns every restore VM visible to the API key.
func (c *Client) ListVMs(ctx context.Context) ([]model.RestoreVM, error) {
	var wire []wireVirt
	if err := c.do(ctx, "GET", "/v1/restore/virt", url.Values{"limit": {fmt.Sprint(c.pageSize)}}, nil, &wire); err != nil {
		return nil, err
	}
	vms := make([]model.RestoreVM, 0, len(wire))
	for _, w := range wire {
		vms = append(vms, c.toModel(w))
	}
	return vms, nil
}

// PollVMState waits until the VM is ready. It fails with ErrVMBootTimeout when
// timeout elapses and ErrVMFailed when the service reports a failed VM.
// Transient API errors while polling are logged and polling continues.
func (c *Client) PollVMState(ctx context.Context, vmID string, timeout time.Duration) (model.RestoreVM, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interval := c.pollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last model.RestoreVM
	for {
		vm, err := c.GetVM(pollCtx, vmID)
		switch {
		case err == nil:
			last = vm
			c.log.V(1).Info("vm state", "vm", vmID, "state", vm.State)
			if vm.State == model.BootReady {
				return vm, nil
			}
			if vm.State == model.BootFailed {
				return vm, errclass.ErrVMFailed.WithMessagef("vm %s entered a failed state", vmID)
			}
		case pollCtx.Err() == nil:
			c.log.Info("vm state check failed, will retry", "vm", vmID, "error", err.Error())
		}

		select {
		case <-pollCtx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return last, errclass.ErrCanceled.Wrap(ctx.Err())
			}
			return last, errclass.ErrVMBootTimeout.WithMessagef("vm %s not ready after %s", vmID, timeout)
		case <-ticker.C:
		}
	}
}

// ConsoleURL returns the browser console URL of a running VM.
func (c *Client) ConsoleURL(ctx context.Context, vmID string) (string, error) {
	var wire wireVirt
	if err := c.do(ctx, "GET", "/v1/restore/virt/"+url.PathEscape(vmID), nil, nil, &wire); err != nil {
		return "", err
	}
	if wire.VirtID == "" {
		wire.VirtID = vmID
	}
	return c.consoleURL(wire)
}

func (c *Client) consoleURL(w wireVirt) (string, error) {
	var ws string
	for _, v := range w.VNC {
		if v.Type == "cloud" && v.WebsocketURI != "" {
			ws = v.WebsocketURI
			break
		}
	}
	if ws == "" {
		return "", &APIError{Message: fmt.Sprintf("no cloud console endpoint for vm %s", w.VirtID)}
	}
	// The viewer expects the password with a trailing '=' appended.
	return fmt.Sprintf("%s?id=%s&ws=%s&password=%s=",
		c.viewerURL, url.QueryEscape(w.VirtID), url.QueryEscape(ws), w.VNCPassword), nil
}

// DestroyVM deletes a restore VM. A VM that no longer exists counts as destroyed.
func (c *Client) DestroyVM(ctx context.Context, vmID string) error {
	err := c.do(ctx, "DELETE", "/v1/restore/virt/"+url.PathEscape(vmID), nil, nil, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.NotFound() {
		c.log.Info("restore vm already gone", "vm", vmID)
		return nil
	}
	if err != nil {
		return err
	}
	c.log.Info("restore vm destroyed", "vm", vmID)
	return nil
}
