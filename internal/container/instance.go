package container

import (
	"context"

	"github.com/Masterminds/semver/v3"
)

//go:generate mockgen -destination=mocks/mock_instance.go -package=mocks github.com/castellan-dev/castellan/internal/container Instance

// Instance is one plugin's container as seen by its supervisor. All
// engine mechanics (image plumbing, network attachment, health probes)
// live behind this interface.
type Instance interface {
	// Name returns the container name the engine knows this plugin by.
	Name() string

	// Attach adopts an existing container and its image. version is the
	// image version to look for; nil means whatever is present. When
	// skipStateEventIfDown is true the engine must not synthesize a
	// state event for a container that is already down at attach time,
	// so boot-time attach does not trigger the watchdog.
	Attach(ctx context.Context, version *semver.Version, skipStateEventIfDown bool) error

	// Install pulls or builds the image for version.
	Install(ctx context.Context, version *semver.Version) error

	// Start creates and starts the container from the installed image.
	Start(ctx context.Context) error

	// Stop stops and removes the container. Stopping a container that
	// is not running is not an error.
	Stop(ctx context.Context) error

	// CurrentState reads the live state from the engine, bypassing any
	// cached view.
	CurrentState(ctx context.Context) (State, error)

	// IsRunning reports whether the container is currently running.
	IsRunning(ctx context.Context) (bool, error)

	// Version is the image version most recently attached or installed,
	// nil when unknown.
	Version() *semver.Version

	// LatestVersion asks the engine registry for the newest published
	// image version for this plugin.
	LatestVersion(ctx context.Context) (*semver.Version, error)

	// Stats returns a raw counter sample from the engine.
	Stats(ctx context.Context) (*StatsSample, error)
}
