package model

import (
	"sort"
	"time"
)

// Agent is a machine whose backups are tracked by the backup service.
type Agent struct {
	ID       string `json:"agent_id"`
	Name     string `json:"display_name,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	OS       string `json:"os,omitempty"`
}

// DisplayName returns the best human-readable label for the agent.
func (a Agent) DisplayName() string {
	switch {
	case a.Name != "":
		return a.Name
	case a.Hostname != "":
		return a.Hostname
	default:
		return a.ID
	}
}

// Snapshot is a point-in-time backup of an agent.
type Snapshot struct {
	ID        string    `json:"snapshot_id"`
	AgentID   string    `json:"agent_id"`
	CreatedAt time.Time `json:"created_at"`
	DeviceID  string    `json:"device_id,omitempty"`
}

// SelectLatest returns the snapshot with the greatest CreatedAt. Equal
// timestamps are broken by the lexicographically greatest ID so the result
// does not depend on listing order.
func SelectLatest(snaps []Snapshot) (Snapshot, bool) {
	if len(snaps) == 0 {
		return Snapshot{}, false
	}
	best := snaps[0]
	for _, s := range snaps[1:] {
		if s.CreatedAt.After(best.CreatedAt) ||
			(s.CreatedAt.Equal(best.CreatedAt) && s.ID > best.ID) {
			best = s
		}
	}
	return best, true
}

// SortNewestFirst orders snapshots by the same rule SelectLatest uses.
func SortNewestFirst(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		}
		return snaps[i].ID > snaps[j].ID
	})
}

// RestoreVM is an ephemeral VM booted from one snapshot.
type RestoreVM struct {
	ID              string    `json:"vm_id"`
	Name            string    `json:"name,omitempty"`
	SnapshotID      string    `json:"snapshot_id"`
	Network         string    `json:"network_type"`
	NetworkIsolated bool      `json:"network_isolated"`
	State           BootState `json:"state"`
	ConsoleURL      string    `json:"console_url,omitempty"`
	CreatedAt       time.Time `json:"created_at,omitempty"`
}
