package counthub

import (
	"context"
	"fmt"

	"hubstream/client"
	"hubstream/config"
	"hubstream/connection"
	"hubstream/loadbalance"
	"hubstream/registry"
)

// ResultHandler receives every pushed count, or the aggregate error of a
// reported failure.
type ResultHandler = client.ResultHandler[CountResponse]

// Proxy is the client side of both count actions. The two actions never
// share a connection or a channel.
type Proxy struct {
	streaming *client.Action[CountRequest, CountResponse]
	exception *client.Action[CountRequest, CountResponse]
}

// NewProxy builds a proxy for the hubs under opts.ServerURIBase. A
// discovery:// base is resolved through reg once, here. clientOpts are
// applied after the options derived from opts.
func NewProxy(opts config.Options, reg registry.Registry, clientOpts ...client.Option) (*Proxy, error) {
	bal, err := opts.Balancer()
	if err != nil {
		return nil, err
	}
	resolver := loadbalance.NewResolver(reg, bal)
	base := []client.Option{
		client.WithDialer(connection.TransportDialer(opts.TransportOptions()...)),
		client.WithDrainTimeout(opts.DrainTimeout),
	}
	all := append(base, clientOpts...)

	build := func(path, action string) (*client.Action[CountRequest, CountResponse], error) {
		u, err := opts.HubURL(path)
		if err != nil {
			return nil, err
		}
		if u, err = resolver.Resolve(u); err != nil {
			return nil, fmt.Errorf("proxy %s: %w", action, err)
		}
		return client.NewAction[CountRequest, CountResponse](u, action, opts.TokenProvider(), all...), nil
	}

	p := &Proxy{}
	if p.streaming, err = build(PathStreamingTest, ActionStreamingTest); err != nil {
		return nil, err
	}
	if p.exception, err = build(PathStreamingExceptionTest, ActionStreamingExceptionTest); err != nil {
		return nil, err
	}
	return p, nil
}

// SendStreamingTest sends one count, connecting on first use.
func (p *Proxy) SendStreamingTest(ctx context.Context, onResult ResultHandler, count int) error {
	return p.streaming.Send(ctx, onResult, CountRequest{Count: count})
}

func (p *Proxy) StopStreamingTest(ctx context.Context) error {
	return p.streaming.Stop(ctx)
}

// SendStreamingExceptionTest sends one count to the action that fails once
// a count matches the server's failure rule.
func (p *Proxy) SendStreamingExceptionTest(ctx context.Context, onResult ResultHandler, count int) error {
	return p.exception.Send(ctx, onResult, CountRequest{Count: count})
}

func (p *Proxy) StopStreamingExceptionTest(ctx context.Context) error {
	return p.exception.Stop(ctx)
}
