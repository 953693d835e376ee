//go:build !linux

package sysinfo

import (
	"context"
	"fmt"
)

func unitActiveState(_ context.Context, unit string) (string, error) {
	return "", fmt.Errorf("systemd probe for %q is unsupported on this platform", unit)
}
