package registry

// EtcdRegistry stores one key per instance:
//
//	Key:   /hubstream/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Keys are attached to a TTL lease kept alive in the background, so a
// crashed server disappears once its lease expires.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const keyPrefix = "/hubstream/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client  *clientv3.Client
	timeout time.Duration

	mu         sync.Mutex
	keepAlives map[string]context.CancelFunc // instance key → lease keep-alive
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{
		client:     c,
		timeout:    5 * time.Second,
		keepAlives: make(map[string]context.CancelFunc),
	}, nil
}

func instanceKey(serviceName, addr string) string {
	return keyPrefix + serviceName + "/" + addr
}

// Register puts instance under a lease of ttl seconds and keeps the lease
// alive until Deregister or Close.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}
	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	key := instanceKey(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	kaCtx, kaCancel := context.WithCancel(context.Background())
	ch, err := r.client.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		kaCancel()
		return err
	}
	r.mu.Lock()
	if prev, ok := r.keepAlives[key]; ok {
		prev()
	}
	r.keepAlives[key] = kaCancel
	r.mu.Unlock()

	// Drain responses so the keep-alive channel never fills.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes an instance and stops renewing its lease.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	key := instanceKey(serviceName, addr)
	r.mu.Lock()
	if cancel, ok := r.keepAlives[key]; ok {
		cancel()
		delete(r.keepAlives, key)
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	_, err := r.client.Delete(ctx, key)
	return err
}

// Watch emits the full instance list whenever anything under the service
// prefix changes.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)
	prefix := keyPrefix + serviceName + "/"

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(context.Background(), prefix, clientv3.WithPrefix())
		for range watchChan {
			instances, err := r.Discover(serviceName)
			if err != nil {
				continue
			}
			ch <- instances
		}
	}()
	return ch
}

// Discover lists the instances currently registered for serviceName.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	resp, err := r.client.Get(ctx, keyPrefix+serviceName+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Close stops every keep-alive and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.mu.Lock()
	for key, cancel := range r.keepAlives {
		cancel()
		delete(r.keepAlives, key)
	}
	r.mu.Unlock()
	return r.client.Close()
}
