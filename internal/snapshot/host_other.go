//go:build !linux

package snapshot

import (
	"context"
	"fmt"

	"idremap/internal/identity"
)

func (h *HostContext) Attribute(_ context.Context, k identity.Kind) (string, error) {
	if k == identity.KindNetworkAddress {
		return networkAddress()
	}
	return "", fmt.Errorf("%s: %w", k, identity.ErrUnavailable)
}
