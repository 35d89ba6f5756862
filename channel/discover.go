package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service the relay advertises itself under.
const ServiceType = "_rivesync._tcp"

// Discover browses the local network for a relay and returns its
// websocket base URL. It returns the first relay found, or an error
// when the timeout passes without one.
func Discover(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("init mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return "", fmt.Errorf("browse for relay: %w", err)
	}

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", fmt.Errorf("no relay found within %s", timeout)
			}
			if entry == nil || len(entry.AddrIPv4) == 0 {
				continue
			}
			return fmt.Sprintf("ws://%s:%d", entry.AddrIPv4[0], entry.Port), nil
		case <-ctx.Done():
			return "", fmt.Errorf("no relay found within %s", timeout)
		}
	}
}
