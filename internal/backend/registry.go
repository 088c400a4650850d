package backend

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Params holds a backend's connection parameters as loaded from configuration.
type Params map[string]any

// Factory builds an unconnected Backend from connection parameters.
type Factory func(params Params, logger *zap.Logger) (Backend, error)

// Probe reports whether an adapter's runtime dependency is usable. A nil
// Probe means the adapter is always available.
type Probe func() error

// Registration binds a kind to its adapter.
type Registration struct {
	Kind    Kind
	Factory Factory
	Probe   Probe
}

// Handle is the result of resolving a kind: Available or Unavailable.
type Handle interface {
	handleKind() Kind
}

// Available is a kind with a usable adapter.
type Available struct {
	Kind    Kind
	Factory Factory
}

func (a Available) handleKind() Kind { return a.Kind }

// Unavailable is a kind whose adapter could not be loaded.
type Unavailable struct {
	Kind   Kind
	Reason string
}

func (u Unavailable) handleKind() Kind { return u.Kind }

// Err returns the reason as an error wrapping ErrUnavailable.
func (u Unavailable) Err() error {
	return fmt.Errorf("%w: %s", ErrUnavailable, u.Reason)
}

// missingDependency is the fixed reason reported for kinds without an adapter.
func missingDependency(k Kind) string {
	return fmt.Sprintf("%s backend unavailable: missing dependency", k)
}

// Registry maps every enumerated kind to a Handle. It is built once at startup
// and read-only afterward.
type Registry struct {
	handles map[Kind]Handle
}

// NewRegistry evaluates each registration's probe once and fills in
// Unavailable handles for every enumerated kind left without an adapter.
// Registrations for kinds outside the enumeration are ignored with a warning;
// a later registration for the same kind replaces an earlier one.
func NewRegistry(logger *zap.Logger, regs ...Registration) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{handles: make(map[Kind]Handle, len(allKinds))}

	for _, reg := range regs {
		if !reg.Kind.Valid() {
			logger.Warn("ignoring registration for unknown backend kind",
				zap.String("kind", string(reg.Kind)))
			continue
		}
		if reg.Factory == nil {
			r.handles[reg.Kind] = Unavailable{Kind: reg.Kind, Reason: missingDependency(reg.Kind)}
			continue
		}
		if reg.Probe != nil {
			if err := reg.Probe(); err != nil {
				logger.Warn("backend dependency probe failed",
					zap.String("kind", string(reg.Kind)),
					zap.Error(err))
				r.handles[reg.Kind] = Unavailable{
					Kind:   reg.Kind,
					Reason: fmt.Sprintf("%s: %v", missingDependency(reg.Kind), err),
				}
				continue
			}
		}
		r.handles[reg.Kind] = Available{Kind: reg.Kind, Factory: reg.Factory}
	}

	for _, k := range allKinds {
		if _, ok := r.handles[k]; !ok {
			r.handles[k] = Unavailable{Kind: k, Reason: missingDependency(k)}
		}
	}

	logger.Debug("backend registry built", zap.Strings("available", kindNames(r.AvailableKinds())))
	return r
}

// Resolve returns the handle for k. Unknown kinds resolve to Unavailable.
func (r *Registry) Resolve(k Kind) Handle {
	if h, ok := r.handles[k]; ok {
		return h
	}
	return Unavailable{Kind: k, Reason: fmt.Sprintf("%s: %q", ErrUnknownKind, string(k))}
}

// Availability describes one registry entry for status output.
type Availability struct {
	Kind      Kind   `json:"kind"`
	Available bool   `json:"available"`
	Reason    string `json:"reason,omitempty"`
}

// Kinds lists every enumerated kind with its availability, in enumeration order.
func (r *Registry) Kinds() []Availability {
	out := make([]Availability, 0, len(allKinds))
	for _, k := range allKinds {
		switch h := r.handles[k].(type) {
		case Available:
			out = append(out, Availability{Kind: k, Available: true})
		case Unavailable:
			out = append(out, Availability{Kind: k, Reason: h.Reason})
		}
	}
	return out
}

// AvailableKinds returns the kinds with a usable adapter, sorted by name.
func (r *Registry) AvailableKinds() []Kind {
	var out []Kind
	for k, h := range r.handles {
		if _, ok := h.(Available); ok {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func kindNames(kinds []Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}
