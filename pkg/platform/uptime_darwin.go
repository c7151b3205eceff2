//go:build darwin

package platform

import (
	"encoding/binary"
	"time"

	"golang.org/x/sys/unix"
)

// uptime derives seconds-since-boot from the kern.boottime sysctl, which
// reports a struct timeval {sec, usec} as raw bytes.
func uptime() uint64 {
	raw, err := unix.SysctlRaw("kern.boottime")
	if err != nil || len(raw) < 8 {
		return 0
	}

	bootSec := int64(binary.LittleEndian.Uint64(raw[:8]))
	now := time.Now().Unix()
	if now <= bootSec {
		return 0
	}
	return uint64(now - bootSec)
}
