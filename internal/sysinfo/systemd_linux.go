//go:build linux

package sysinfo

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
)

// unitActiveState asks systemd over D-Bus for a unit's ActiveState.
// Each call opens a fresh connection; the probes run on job admission
// and the cron sweep, not in a hot path.
func unitActiveState(ctx context.Context, unit string) (string, error) {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return "", fmt.Errorf("connect system dbus: %w", err)
	}
	defer conn.Close()

	props, err := conn.GetUnitPropertiesContext(ctx, unit)
	if err != nil {
		return "", fmt.Errorf("unit properties %q: %w", unit, err)
	}
	state, ok := props["ActiveState"].(string)
	if !ok {
		return "", fmt.Errorf("unit %q reported no ActiveState", unit)
	}
	return state, nil
}
