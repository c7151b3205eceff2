//go:build linux

package platform

import (
	"os"
	"strconv"
	"strings"
)

// uptime reads the first field of /proc/uptime, which is seconds since boot
// as a floating point value.
func uptime() uint64 {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return 0
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}

	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return uint64(seconds)
}
