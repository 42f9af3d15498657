package intercept

import (
	"context"
	"fmt"
	"net"

	"idremap/internal/identity"
)

// Resolver is satisfied by Registry and engine.Engine.
type Resolver interface {
	Resolve(ctx context.Context, k identity.Kind) (string, error)
}

// HardwareAddr resolves the network address as a parsed value.
func HardwareAddr(ctx context.Context, r Resolver) (net.HardwareAddr, error) {
	v, err := r.Resolve(ctx, identity.KindNetworkAddress)
	if err != nil {
		return nil, err
	}
	mac, err := net.ParseMAC(v)
	if err != nil {
		return nil, fmt.Errorf("intercept: parse hardware address: %w", err)
	}
	return mac, nil
}
