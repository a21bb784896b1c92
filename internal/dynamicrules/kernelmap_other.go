//go:build !linux

package dynamicrules

import (
	"fmt"
	"time"
)

// KernelControl mirrors the linux build's type on platforms with no
// raw-socket capability path at all (e.g. running the node on a
// development machine). NewKernelControl always denies here so callers
// take the same in-memory fallback branch they would on a
// capability-denied Linux host.
type KernelControl struct {
	*Store
}

// NewKernelControl always returns an error outside Linux: there is no
// raw-socket capability to probe, so callers fall back to NewStore.
func NewKernelControl(sweepInterval time.Duration, onExpire func(ip string)) (*KernelControl, error) {
	return nil, fmt.Errorf("kernel-assisted blocklist requires linux")
}
