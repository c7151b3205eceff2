//go:build windows

package platform

import "golang.org/x/sys/windows"

var kernel32 = windows.NewLazySystemDLL("kernel32.dll")
var procGetTickCount64 = kernel32.NewProc("GetTickCount64")

// uptime calls GetTickCount64, which returns milliseconds since boot.
func uptime() uint64 {
	ret, _, _ := procGetTickCount64.Call()
	return ret / 1000
}
