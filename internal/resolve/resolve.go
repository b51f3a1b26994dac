// Package resolve wraps hostname resolution behind a narrow interface so
// the master-server FSM can depend on an abstraction instead of net
// directly, and tests can substitute a fake.
package resolve

import (
	"context"
	"net"
)

// Resolver resolves a hostname to a single numeric IP string.
type Resolver interface {
	Resolve(ctx context.Context, host string) (string, error)
}

// NetResolver resolves hostnames using net.DefaultResolver.
type NetResolver struct{}

// New returns a Resolver backed by the standard library's resolver.
func New() NetResolver {
	return NetResolver{}
}

// Resolve looks up host and returns the first address returned, preferring
// an IPv4 address if one is present.
func (NetResolver) Resolve(ctx context.Context, host string) (string, error) {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	if len(addrs) == 0 {
		return "", &net.DNSError{Err: "no addresses found", Name: host}
	}
	for _, a := range addrs {
		if ip4 := a.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return addrs[0].IP.String(), nil
}
