// Package loadbalance picks the hub server a client connects to when the
// base URI names a discovered service instead of a fixed host.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  servers of different capacity
//   - ConsistentHash:  the same action keeps landing on the same server
package loadbalance

import (
	"errors"
	"fmt"

	"hubstream/registry"
)

var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer selects one instance per connection. key identifies what is
// being connected, typically the hub path; only key-aware strategies use
// it. Implementations must be safe for concurrent use.
type Balancer interface {
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// Strategy names accepted by New.
const (
	StrategyRoundRobin     = "round_robin"
	StrategyWeightedRandom = "weighted_random"
	StrategyConsistentHash = "consistent_hash"
)

// New returns the balancer for a strategy name. An empty name selects
// round robin.
func New(strategy string) (Balancer, error) {
	switch strategy {
	case "", StrategyRoundRobin:
		return &RoundRobinBalancer{}, nil
	case StrategyWeightedRandom:
		return &WeightedRandomBalancer{}, nil
	case StrategyConsistentHash:
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", strategy)
	}
}
