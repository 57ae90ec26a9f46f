package probe

import (
	"fmt"
	"sort"

	"github.com/hamed0406/gefion/internal/domain"
)

// Registry maps probe kinds to implementations. Register everything before
// the registry is shared; lookups are not synchronized with registration.
type Registry struct {
	probes map[string]Probe
}

func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Probe)}
}

// DefaultRegistry holds the builtin kinds: http, port and dns.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("http", NewHTTPChecker())
	r.Register("port", NewPortChecker())
	r.Register("dns", NewDNSChecker())
	return r
}

func (r *Registry) Register(kind string, p Probe) {
	r.probes[kind] = p
}

func (r *Registry) Lookup(kind string) (Probe, error) {
	p, ok := r.probes[kind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown probe kind %q", domain.ErrConfiguration, kind)
	}
	return p, nil
}

func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.probes))
	for k := range r.probes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
