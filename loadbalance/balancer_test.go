package loadbalance

import (
	"errors"
	"fmt"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hubstream/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	results := make([]string, 3)
	for i := 0; i < 3; i++ {
		inst, err := b.Pick("", testInstances)
		require.NoError(t, err)
		results[i] = inst.Addr
	}
	assert.Equal(t, []string{":8001", ":8002", ":8003"}, results)

	inst, err := b.Pick("", testInstances)
	require.NoError(t, err)
	assert.Equal(t, results[0], inst.Addr, "wraps around to the first instance")
}

func TestEmptyInstances(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer()} {
		_, err := b.Pick("k", nil)
		assert.ErrorIs(t, err, ErrNoInstances, b.Name())
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick("", testInstances)
		require.NoError(t, err)
		counts[inst.Addr]++
	}

	// Weight ratio is 10:5:10, so :8001 should be about twice :8002.
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick("", []registry.ServiceInstance{{Addr: ":1"}, {Addr: ":2"}})
	require.NoError(t, err)
	assert.Contains(t, []string{":1", ":2"}, inst.Addr)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	inst1, err := b.Pick("/StreamingTestHub", testInstances)
	require.NoError(t, err)
	inst2, err := b.Pick("/StreamingTestHub", testInstances)
	require.NoError(t, err)
	assert.Equal(t, inst1.Addr, inst2.Addr, "same key maps to the same instance")

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, err := b.Pick(fmt.Sprintf("key-%d", i), testInstances)
		require.NoError(t, err)
		seen[inst.Addr] = true
	}
	assert.Greater(t, len(seen), 1, "keys spread over instances")
}

func TestConsistentHashRebuildsOnChange(t *testing.T) {
	b := NewConsistentHashBalancer()
	only := []registry.ServiceInstance{{Addr: ":9000"}}
	inst, err := b.Pick("k", only)
	require.NoError(t, err)
	assert.Equal(t, ":9000", inst.Addr)

	other := []registry.ServiceInstance{{Addr: ":9001"}}
	inst, err = b.Pick("k", other)
	require.NoError(t, err)
	assert.Equal(t, ":9001", inst.Addr)
}

func TestNew(t *testing.T) {
	for name, want := range map[string]string{
		"":                     "RoundRobin",
		StrategyRoundRobin:     "RoundRobin",
		StrategyWeightedRandom: "WeightedRandom",
		StrategyConsistentHash: "ConsistentHash",
	} {
		b, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, want, b.Name())
	}
	_, err := New("fastest")
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	reg := registry.NewMemoryRegistry()
	require.NoError(t, reg.Register("hubs", registry.ServiceInstance{Addr: "127.0.0.1:7000"}, 10))
	r := NewResolver(reg, nil)

	base, _ := url.Parse("discovery://hubs/StreamingTestHub")
	got, err := r.Resolve(base)
	require.NoError(t, err)
	assert.Equal(t, "tcp://127.0.0.1:7000/StreamingTestHub", got.String())
	assert.Equal(t, "discovery://hubs/StreamingTestHub", base.String(), "input is not modified")

	plain, _ := url.Parse("tcp://example:1/x")
	same, err := NewResolver(nil, nil).Resolve(plain)
	require.NoError(t, err)
	assert.Same(t, plain, same)
}

func TestResolveErrors(t *testing.T) {
	base, _ := url.Parse("discovery://missing/x")
	_, err := NewResolver(registry.NewMemoryRegistry(), nil).Resolve(base)
	assert.True(t, errors.Is(err, ErrNoInstances))

	_, err = NewResolver(nil, nil).Resolve(base)
	assert.Error(t, err)
}
