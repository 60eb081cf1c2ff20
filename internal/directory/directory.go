// Package directory defines the read-only agent discovery contract. The
// directory is a collaborator: the core queries it during peer discovery
// and route selection but never writes to it.
package directory

import (
	"context"
	"time"
)

// AgentInfo is the descriptor the directory returns for one agent.
type AgentInfo struct {
	ID           string
	Name         string
	Address      string
	Capabilities []string
	Active       bool
	LastSeen     time.Time
	TrustScore   float64 // ∈ [0,1]
}

// Health summarizes mesh reachability.
type Health struct {
	TotalNodes        int
	PartitionDetected bool
}

// Healthy reports whether the mesh can carry direct traffic: at least two
// reachable nodes and no detected partition.
func (h Health) Healthy() bool {
	return h.TotalNodes >= 2 && !h.PartitionDetected
}

// Directory is the discovery seam.
type Directory interface {
	// DiscoverAgents lists known agents, optionally filtered to those
	// advertising every requested capability.
	DiscoverAgents(ctx context.Context, capabilities []string) ([]AgentInfo, error)

	// NetworkHealth reports current mesh reachability.
	NetworkHealth(ctx context.Context) (Health, error)
}

// Static is a fixed-membership Directory used by standalone deployments
// and tests.
type Static struct {
	Agents []AgentInfo
	Status Health
}

// DiscoverAgents filters the fixed membership by capability.
func (s *Static) DiscoverAgents(ctx context.Context, capabilities []string) ([]AgentInfo, error) {
	if len(capabilities) == 0 {
		out := make([]AgentInfo, len(s.Agents))
		copy(out, s.Agents)
		return out, nil
	}
	var out []AgentInfo
	for _, a := range s.Agents {
		if hasAll(a.Capabilities, capabilities) {
			out = append(out, a)
		}
	}
	return out, nil
}

// NetworkHealth returns the configured status.
func (s *Static) NetworkHealth(ctx context.Context) (Health, error) {
	return s.Status, nil
}

func hasAll(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range want {
		if !set[c] {
			return false
		}
	}
	return true
}
