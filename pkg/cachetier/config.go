package cachetier

import (
	"os"
	"time"
)

// SharedRootEnvVar is the environment variable consulted for the shared
// tier's mount root when Config.SharedRoot is blank — the Go analogue of
// the galley.nfs.basedir property the original provider falls back to.
const SharedRootEnvVar = "DUOTIER_SHARED_ROOT"

// Config is the Provider's configuration surface (spec.md §6): a single
// shared-store mount root, resolved from an explicit value first and the
// environment second, plus the lock timeout and foreign-lock poll interval
// the coordinator uses.
type Config struct {
	SharedRoot string
	NodeIP     string

	LockTimeout     time.Duration
	ForeignLockPoll time.Duration

	ExpirationCapacity int
	ExpirationTTL      time.Duration

	Executor Executor
	Logf     func(string, ...any)
}

// ResolveSharedRoot returns c.SharedRoot if set, else the SharedRootEnvVar
// environment variable, else an IllegalArgument error — mirroring the
// original provider's constructor, which requires at least one of the two to
// be non-blank (SharedRoot wins when both are set).
func (c Config) ResolveSharedRoot() (string, error) {
	if c.SharedRoot != "" {
		return c.SharedRoot, nil
	}
	if v := os.Getenv(SharedRootEnvVar); v != "" {
		return v, nil
	}
	return "", E(KindIllegalArgument, "Config.ResolveSharedRoot", "shared root is blank and "+SharedRootEnvVar+" is unset")
}

func (c Config) resolveTimeout() time.Duration {
	if c.LockTimeout > 0 {
		return c.LockTimeout
	}
	return DefaultLockTimeout
}

func (c Config) resolvePoll() time.Duration {
	if c.ForeignLockPoll > 0 {
		return c.ForeignLockPoll
	}
	return DefaultForeignLockPollInterval
}

func (c Config) resolveNodeIP() (string, error) {
	if c.NodeIP != "" {
		return c.NodeIP, nil
	}
	return CurrentNodeIP()
}
