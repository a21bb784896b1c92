//go:build !linux

package capture

import (
	"fmt"

	"secbeat/internal/synproxy"
	"secbeat/internal/xdpfilter"
)

// Loop mirrors the linux build's type on platforms with no AF_PACKET
// capture path at all.
type Loop struct{}

// New always fails outside Linux: there is no raw capture socket to
// open, so callers take the same decision-only fallback they would on a
// capability-denied Linux host.
func New(iface string, filter *xdpfilter.Filter, proxy *synproxy.Proxy, splice synproxy.Splicer) (*Loop, error) {
	return nil, fmt.Errorf("packet capture requires linux")
}

// Run is never reachable since New always errors, kept to satisfy the
// same call shape as the linux build.
func (l *Loop) Run(stop <-chan struct{}) {}
