package backup_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapverify-project/snapverify/internal/backup"
	"github.com/snapverify-project/snapverify/pkg/config"
	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/model"
)

func newClient(t *testing.T, h http.Handler) *backup.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := config.Default().Backup
	cfg.BaseURL = srv.URL
	cfg.APIKey = "tk_test"
	cfg.PollInterval = 10 * time.Millisecond
	cfg.RequestTimeout = 2 * time.Second
	return backup.NewClient(cfg, logr.Discard())
}

func writeData(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func TestListAgents_AuthAndEnvelope(t *testing.T) {
	var auth string
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/agent", r.URL.Path)
		assert.Equal(t, "50", r.URL.Query().Get("limit"))
		writeData(w, []map[string]any{
			{"agent_id": "a_2", "display_name": "db", "hostname": "db01", "os": "Windows Server 2022"},
			{"agent_id": "a_1", "hostname": "web01"},
		})
	}))

	agents, err := c.ListAgents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer tk_test", auth)
	require.Len(t, agents, 2)
	assert.Equal(t, "a_1", agents[0].ID)
	assert.Equal(t, "web01", agents[0].DisplayName())
	assert.Equal(t, "Windows Server 2022", agents[1].OS)
}

func TestGetAgent_SingleElementList(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/agent/a_1", r.URL.Path)
		writeData(w, []map[string]any{{"agent_id": "a_1", "hostname": "srv1"}})
	}))
	agent, err := c.GetAgent(context.Background(), "a_1")
	require.NoError(t, err)
	assert.Equal(t, "srv1", agent.Hostname)
}

func snapshotHandler(t *testing.T, snaps []map[string]any) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/snapshot", r.URL.Path)
		agent := r.URL.Query().Get("agent_id")
		var out []map[string]any
		for _, s := range snaps {
			if agent == "" || s["agent_id"] == agent {
				out = append(out, s)
			}
		}
		writeData(w, out)
	})
}

func TestLatestSnapshot_MaxTimestamp(t *testing.T) {
	c := newClient(t, snapshotHandler(t, []map[string]any{
		{"snapshot_id": "s_old", "agent_id": "srv1", "backup_ended_at": "2025-01-01T00:00:00Z",
			"locations": []map[string]any{{"type": "local", "device_id": "d_local"}}},
		{"snapshot_id": "s_new", "agent_id": "srv1", "backup_ended_at": "2025-01-02T00:00:00Z",
			"locations": []map[string]any{{"type": "local", "device_id": "d_local"}, {"type": "cloud", "device_id": "d_cloud"}}},
		{"snapshot_id": "s_other", "agent_id": "srv2", "backup_ended_at": "2025-02-01T00:00:00Z"},
	}))

	snap, err := c.LatestSnapshot(context.Background(), "srv1")
	require.NoError(t, err)
	assert.Equal(t, "s_new", snap.ID)
	assert.Equal(t, "d_cloud", snap.DeviceID)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), snap.CreatedAt)
}

func TestLatestSnapshot_FallsBackToStartTime(t *testing.T) {
	c := newClient(t, snapshotHandler(t, []map[string]any{
		{"snapshot_id": "s_running", "agent_id": "srv1", "backup_started_at": "2025-03-01T00:00:00Z"},
		{"snapshot_id": "s_done", "agent_id": "srv1", "backup_ended_at": "2025-02-01T00:00:00Z"},
	}))
	snap, err := c.LatestSnapshot(context.Background(), "srv1")
	require.NoError(t, err)
	assert.Equal(t, "s_running", snap.ID)
}

func TestLatestSnapshot_None(t *testing.T) {
	c := newClient(t, snapshotHandler(t, nil))
	_, err := c.LatestSnapshot(context.Background(), "srv1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errclass.ErrNoSnapshot))
}

func TestLatestByAgent(t *testing.T) {
	c := newClient(t, snapshotHandler(t, []map[string]any{
		{"snapshot_id": "s_1", "agent_id": "a", "backup_ended_at": "2025-01-01T00:00:00Z"},
		{"snapshot_id": "s_2", "agent_id": "a", "backup_ended_at": "2025-01-03T00:00:00Z"},
		{"snapshot_id": "s_3", "agent_id": "b", "backup_ended_at": "2025-01-02T00:00:00Z"},
		{"snapshot_id": "s_orphan", "backup_ended_at": "2025-01-09T00:00:00Z"},
	}))
	latest, err := c.LatestByAgent(context.Background())
	require.NoError(t, err)
	assert.Len(t, latest, 2)
	assert.Equal(t, "s_2", latest["a"].ID)
	assert.Equal(t, "s_3", latest["b"].ID)
}

func TestAPIError(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"message":"invalid api key"}`))
	}))
	_, err := c.ListAgents(context.Background())
	require.Error(t, err)

	var apiErr *backup.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, "invalid api key", apiErr.Message)
	assert.True(t, errors.Is(err, errclass.ErrAPI))
	assert.Equal(t, "E_API", errclass.CodeOf(err))
}

func TestAPIError_NetworkFailure(t *testing.T) {
	cfg := config.Default().Backup
	cfg.BaseURL = "http://127.0.0.1:1"
	c := backup.NewClient(cfg, logr.Discard())
	_, err := c.ListAgents(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errclass.ErrAPI))
}

func TestCreateVM_NetworkIsolated(t *testing.T) {
	var body map[string]any
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/restore/virt", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		writeData(w, map[string]any{"virt_id": "v_1", "state": "creating"})
	}))

	vm, err := c.CreateVM(context.Background(),
		model.Snapshot{ID: "s_1", DeviceID: "d_1"},
		backup.VMOptions{Name: "snapverify-a-1", CPU: 2, MemoryMB: 4096})
	require.NoError(t, err)
	assert.Equal(t, "v_1", vm.ID)
	assert.Equal(t, model.BootPending, vm.State)
	assert.True(t, vm.NetworkIsolated)
	assert.Equal(t, "s_1", vm.SnapshotID)

	assert.Equal(t, "network-none", body["network_type"])
	assert.Equal(t, "d_1", body["device_id"])
	assert.Equal(t, float64(4096), body["memory"])
}

func TestCreateVM_NoDevice(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	_, err := c.CreateVM(context.Background(), model.Snapshot{ID: "s_1"}, backup.VMOptions{})
	assert.True(t, errors.Is(err, errclass.ErrAPI))
}

func runningVirt(id string) map[string]any {
	return map[string]any{
		"virt_id":      id,
		"state":        "running",
		"vnc_password": "pw",
		"vnc": []map[string]any{
			{"type": "local", "websocket_uri": "wss://local/ws"},
			{"type": "cloud", "websocket_uri": "wss://cloud.example/vnc?token=a b"},
		},
	}
}

func TestPollVMState_BecomesReady(t *testing.T) {
	var calls int32
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		switch {
		case n == 1:
			writeData(w, map[string]any{"virt_id": "v_1", "state": "creating"})
		case n == 2:
			w.WriteHeader(http.StatusBadGateway)
		case n == 3:
			writeData(w, map[string]any{"virt_id": "v_1", "state": "booting"})
		default:
			writeData(w, runningVirt("v_1"))
		}
	}))

	vm, err := c.PollVMState(context.Background(), "v_1", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, model.BootReady, vm.State)
	assert.NotEmpty(t, vm.ConsoleURL)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(4))
}

func TestPollVMState_Timeout(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"virt_id": "v_1", "state": "booting"})
	}))
	_, err := c.PollVMState(context.Background(), "v_1", 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errclass.ErrVMBootTimeout))
}

func TestPollVMState_Failed(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"virt_id": "v_1", "state": "error"})
	}))
	vm, err := c.PollVMState(context.Background(), "v_1", time.Second)
	assert.True(t, errors.Is(err, errclass.ErrVMFailed))
	assert.Equal(t, model.BootFailed, vm.State)
}

func TestConsoleURL(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, runningVirt("v_1"))
	}))
	raw, err := c.ConsoleURL(context.Background(), "v_1")
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "slide.recipes", u.Host)
	assert.Equal(t, "v_1", u.Query().Get("id"))
	assert.Equal(t, "wss://cloud.example/vnc?token=a b", u.Query().Get("ws"))
	assert.Equal(t, "pw=", u.Query().Get("password"))
}

func TestConsoleURL_NoCloudEndpoint(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"virt_id": "v_1", "state": "running"})
	}))
	_, err := c.ConsoleURL(context.Background(), "v_1")
	assert.True(t, errors.Is(err, errclass.ErrAPI))
}

func TestDestroyVM(t *testing.T) {
	var method, path string
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	require.NoError(t, c.DestroyVM(context.Background(), "v_1"))
	assert.Equal(t, http.MethodDelete, method)
	assert.Equal(t, "/v1/restore/virt/v_1", path)
}

func TestDestroyVM_AlreadyGone(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	assert.NoError(t, c.DestroyVM(context.Background(), "v_1"))
}

func TestDestroyVM_ServerError(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	err := c.DestroyVM(context.Background(), "v_1")
	assert.True(t, errors.Is(err, errclass.ErrAPI))
}

func TestListVMs(t *testing.T) {
	c := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, []map[string]any{
			{"virt_id": "v_1", "name": "snapverify-a-1", "state": "running"},
			{"virt_id": "v_2", "name": "manual", "state": "stopped"},
		})
	}))
	vms, err := c.ListVMs(context.Background())
	require.NoError(t, err)
	require.Len(t, vms, 2)
	assert.Equal(t, "snapverify-a-1", vms[0].Name)
	assert.Equal(t, model.BootFailed, vms[1].State)
}
