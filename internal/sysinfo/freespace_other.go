//go:build !darwin && !linux

package sysinfo

import "fmt"

func diskFree(path string) (uint64, error) {
	return 0, fmt.Errorf("free space detection is unsupported on this platform")
}
