package provider

import (
	"sort"
	"time"
)

// Status describes where a managed provider is in its lifecycle.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// RuntimeMetadata summarizes a managed provider instance.
type RuntimeMetadata struct {
	Name      string         `json:"name"`
	Type      string         `json:"type,omitempty"`
	Status    Status         `json:"status"`
	Packets   uint64         `json:"packets"`
	StartedAt time.Time      `json:"startedAt"`
	Error     string         `json:"error,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
}

// Clone returns a copy of the runtime metadata.
func (m RuntimeMetadata) Clone() RuntimeMetadata {
	clone := m
	if len(m.Settings) > 0 {
		clone.Settings = make(map[string]any, len(m.Settings))
		for k, v := range m.Settings {
			clone.Settings[k] = v
		}
	}
	return clone
}

// SortRuntimeMetadata sorts the slice in-place by provider name.
func SortRuntimeMetadata(meta []RuntimeMetadata) {
	sort.Slice(meta, func(i, j int) bool { return meta[i].Name < meta[j].Name })
}
