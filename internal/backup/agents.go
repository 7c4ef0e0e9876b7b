package backup

import (
	"context"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/snapverify-project/snapverify/pkg/errclass"
	"github.com/snapverify-project/snapverify/pkg/model"
)

type wireAgent struct {
	AgentID     string `json:"agent_id"`
	DisplayName string `json:"display_name"`
	Hostname    string `json:"hostname"`
	OS          string `json:"os"`
}

func (w wireAgent) toModel() model.Agent {
	return model.Agent{ID: w.AgentID, Name: w.DisplayName, Hostname: w.Hostname, OS: w.OS}
}

type wireLocation struct {
	Type     string `json:"type"`
	DeviceID string `json:"device_id"`
}

type wireSnapshot struct {
	SnapshotID      string         `json:"snapshot_id"`
	AgentID         string         `json:"agent_id"`
	BackupStartedAt string         `json:"backup_started_at"`
	BackupEndedAt   string         `json:"backup_ended_at"`
	Locations       []wireLocation `json:"locations"`
}

func (w wireSnapshot) toModel() model.Snapshot {
	created := parseTime(w.BackupEndedAt)
	if created.IsZero() {
		created = parseTime(w.BackupStartedAt)
	}
	return model.Snapshot{
		ID:        w.SnapshotID,
		AgentID:   w.AgentID,
		CreatedAt: created,
		DeviceID:  pickDevice(w.Locations),
	}
}

// pickDevice prefers the cloud copy of a snapshot.
func pickDevice(locs []wireLocation) string {
	for _, l := range locs {
		if l.Type == "cloud" && l.DeviceID != "" {
			return l.DeviceID
		}
	}
	for _, l := range locs {
		if l.DeviceID != "" {
			return l.DeviceID
		}
	}
	return ""
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// ListAgents returns the agents visible to the API key.
func (c *Client) ListAgents(ctx context.Context) ([]model.Agent, error) {
	var wire []wireAgent
	q := url.Values{"limit": {strconv.Itoa(c.pageSize)}}
	if err := c.do(ctx, "GET", "/v1/agent", q, nil, &wire); err != nil {
		return nil, err
	}
	agents := make([]model.Agent, 0, len(wire))
	for _, w := range wire {
		agents = append(agents, w.toModel())
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

// GetAgent returns one agent.
func (c *Client) GetAgent(ctx context.Context, agentID string) (model.Agent, error) {
	var wire wireAgent
	if err := c.do(ctx, "GET", "/v1/agent/"+url.PathEscape(agentID), nil, nil, &wire); err != nil {
		return model.Agent{}, err
	}
	if wire.AgentID == "" {
		wire.AgentID = agentID
	}
	return wire.toModel(), nil
}

// ListSnapshots returns snapshots, optionally filtered by agent.
func (c *Client) ListSnapshots(ctx context.Context, agentID string) ([]model.Snapshot, error) {
	q := url.Values{"limit": {strconv.Itoa(c.pageSize)}}
	if agentID != "" {
		q.Set("agent_id", agentID)
	}
	var wire []wireSnapshot
	if err := c.do(ctx, "GET", "/v1/snapshot", q, nil, &wire); err != nil {
		return nil, err
	}
	snaps := make([]model.Snapshot, 0, len(wire))
	for _, w := range wire {
		s := w.toModel()
		if agentID != "" && s.AgentID != "" && s.AgentID != agentID {
			continue
		}
		snaps = append(snaps, s)
	}
	model.SortNewestFirst(snaps)
	return snaps, nil
}

// LatestSnapshot returns the most recent snapshot of an agent.
func (c *Client) LatestSnapshot(ctx context.Context, agentID string) (model.Snapshot, error) {
	snaps, err := c.ListSnapshots(ctx, agentID)
	if err != nil {
		return model.Snapshot{}, err
	}
	latest, ok := model.SelectLatest(snaps)
	if !ok {
		return model.Snapshot{}, errclass.ErrNoSnapshot.WithMessagef("agent %s has no snapshots", agentID)
	}
	return latest, nil
}

// LatestByAgent groups the snapshot listing by agent and keeps the newest of each.
func (c *Client) LatestByAgent(ctx context.Context) (map[string]model.Snapshot, error) {
	snaps, err := c.ListSnapshots(ctx, "")
	if err != nil {
		return nil, err
	}
	grouped := map[string][]model.Snapshot{}
	for _, s := range snaps {
		if s.AgentID == "" {
			continue
		}
		grouped[s.AgentID] = append(grouped[s.AgentID], s)
	}
	out := make(map[string]model.Snapshot, len(grouped))
	for agentID, list := range grouped {
		latest, _ := model.SelectLatest(list)
		out[agentID] = latest
	}
	c.log.V(1).Info("latest snapshots", "agents", len(out))
	return out, nil
}
