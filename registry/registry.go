// Package registry publishes hub servers and lets clients find them.
package registry

// ServiceInstance is one reachable server.
type ServiceInstance struct {
	Addr    string
	Weight  int
	Version string
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}
