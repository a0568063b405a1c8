package loadbalance

import (
	"fmt"
	"net/url"

	"hubstream/registry"
)

// SchemeDiscovery marks a base URI whose host is a service name to look up
// in a registry, e.g. discovery://hubstream.
const SchemeDiscovery = "discovery"

// Resolver turns discovery URIs into concrete tcp URIs.
type Resolver struct {
	reg registry.Registry
	bal Balancer
}

// NewResolver returns a resolver backed by reg. A nil bal uses round robin.
func NewResolver(reg registry.Registry, bal Balancer) *Resolver {
	if bal == nil {
		bal = &RoundRobinBalancer{}
	}
	return &Resolver{reg: reg, bal: bal}
}

// Resolve returns u unchanged unless its scheme is discovery, in which case
// the host is replaced by an instance picked for the URI path. u itself is
// never modified.
func (r *Resolver) Resolve(u *url.URL) (*url.URL, error) {
	if u.Scheme != SchemeDiscovery {
		return u, nil
	}
	if r == nil || r.reg == nil {
		return nil, fmt.Errorf("resolve %s: no registry configured", u)
	}
	instances, err := r.reg.Discover(u.Host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", u, err)
	}
	inst, err := r.bal.Pick(u.Path, instances)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", u, err)
	}
	resolved := *u
	resolved.Scheme = "tcp"
	resolved.Host = inst.Addr
	return &resolved, nil
}
