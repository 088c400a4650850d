package router

import (
	"slices"
	"time"

	"github.com/fyrsmithlabs/vectorrouter/internal/backend"
	"github.com/fyrsmithlabs/vectorrouter/internal/config"
)

// State is a backend instance's position in its connection lifecycle.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnected  State = "disconnected"
)

// HealthResult is the outcome of one HealthCheck call.
type HealthResult struct {
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message"`
	CheckedAt time.Time `json:"checkedAt"`
}

// BackendStatus describes one instance. Connected drives routing and only
// changes on initialization, Reconnect or Close; Health is informational.
type BackendStatus struct {
	Kind        backend.Kind  `json:"kind"`
	Priority    int           `json:"priority"`
	Tier        config.Tier   `json:"tier"`
	Connected   bool          `json:"connected"`
	Collections []string      `json:"collections"`
	LastError   string        `json:"lastError,omitempty"`
	State       State         `json:"state"`
	Health      *HealthResult `json:"health,omitempty"`
}

// Key returns the instance key.
func (s BackendStatus) Key() config.InstanceKey {
	return config.InstanceKey{Kind: s.Kind, Priority: s.Priority}
}

// snapshot is the immutable status view. Writers build a new one and swap it
// in; readers never lock.
type snapshot struct {
	statuses map[config.InstanceKey]BackendStatus
}

func (s *snapshot) get(key config.InstanceKey) (BackendStatus, bool) {
	st, ok := s.statuses[key]
	return st, ok
}

func (s *snapshot) with(updates map[config.InstanceKey]BackendStatus) *snapshot {
	next := &snapshot{statuses: make(map[config.InstanceKey]BackendStatus, len(s.statuses))}
	for k, v := range s.statuses {
		next.statuses[k] = v
	}
	for k, v := range updates {
		next.statuses[k] = v
	}
	return next
}

// Report is the router's status for dashboards and the CLI.
type Report struct {
	Source                     string                 `json:"source"`
	ParallelWrites             bool                   `json:"parallelWrites"`
	QueryFallbackEnabled       bool                   `json:"queryFallbackEnabled"`
	HealthCheckIntervalSeconds int                    `json:"healthCheckIntervalSeconds"`
	MaxConcurrentOperations    int                    `json:"maxConcurrentOperations"`
	ActivePrimary              string                 `json:"activePrimary,omitempty"`
	ActiveFallback             string                 `json:"activeFallback,omitempty"`
	Backends                   []BackendStatus        `json:"backends"`
	Disabled                   []config.InstanceKey   `json:"disabled,omitempty"`
	Registry                   []backend.Availability `json:"registry"`
	Closed                     bool                   `json:"closed"`
}

// Connected returns the number of connected instances.
func (r Report) Connected() int {
	n := 0
	for _, b := range r.Backends {
		if b.Connected {
			n++
		}
	}
	return n
}

// Status returns a point-in-time report. Backends are listed primary tier
// first, each tier in priority order.
func (r *Router) Status() Report {
	snap := r.snap.Load()
	rep := Report{
		Source:                     r.cfg.Source,
		ParallelWrites:             r.cfg.ParallelWrites,
		QueryFallbackEnabled:       r.cfg.QueryFallbackEnabled,
		HealthCheckIntervalSeconds: r.cfg.HealthCheckIntervalSeconds,
		MaxConcurrentOperations:    r.poolSize,
		Disabled:                   slices.Clone(r.disabled),
		Registry:                   r.registry.Kinds(),
		Closed:                     r.closed.Load(),
	}
	for _, inst := range r.instances() {
		if st, ok := snap.get(inst.key); ok {
			st.Collections = append([]string(nil), st.Collections...)
			rep.Backends = append(rep.Backends, st)
		}
	}
	if p := r.SelectPrimary(); p != nil {
		rep.ActivePrimary = p.Key().String()
	}
	if f := r.SelectFallback(); f != nil {
		rep.ActiveFallback = f.Key().String()
	}
	return rep
}
