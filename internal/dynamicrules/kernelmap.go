//go:build linux

package dynamicrules

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// KernelControl is the kernel-assisted BlocklistControl implementation:
// it mutates the same in-memory table the fast path consults, but only
// after confirming the process holds the capability a real XDP/BPF
// blocklist map would require (CAP_NET_RAW, probed by opening a raw
// socket). Absence degrades gracefully — callers fall back to an
// unprivileged *Store instead, per the Capability row in the error
// taxonomy.
type KernelControl struct {
	*Store
}

// NewKernelControl probes for raw-socket capability and, on success,
// returns a BlocklistControl that the fast path and the L7 proxy share.
// On failure it returns a non-nil error so the caller can log a loud
// warning and fall back to NewStore instead of the kernel path.
func NewKernelControl(sweepInterval time.Duration, onExpire func(ip string)) (*KernelControl, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_RAW)
	if err != nil {
		return nil, fmt.Errorf("raw socket capability denied (need CAP_NET_RAW): %w", err)
	}
	_ = unix.Close(fd)

	return &KernelControl{Store: NewStore(sweepInterval, onExpire)}, nil
}
