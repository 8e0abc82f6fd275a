// Package security defines the hardening profile applied to every
// container and exec. The profile is fixed at construction from service
// configuration; callers choose only whether an operation runs as root,
// and root grants are audited before use. Nothing a client sends can relax
// the profile.
package security

import (
	"github.com/docker/go-units"

	"github.com/benchd/benchd/pkg/runtime"
)

const (
	// SandboxUser is the uid:gid every workload runs as.
	SandboxUser = "1000:1000"
	// RootUser is granted only for explicitly audited operations.
	RootUser = "0:0"

	memoryLimit = 512 * units.MiB
	cpuQuota    = 100000 // one full CPU against cpuPeriod
	cpuPeriod   = 100000
	pidsLimit   = 256
)

// Profile produces the engine-level options for containers and execs.
type Profile struct {
	networkMode string // "bridge" or "none"
}

// NewProfile creates a Profile. networkMode selects whether sandboxes get
// bridged networking or none at all.
func NewProfile(networkMode string) *Profile {
	if networkMode == "" {
		networkMode = "bridge"
	}
	return &Profile{networkMode: networkMode}
}

// ContainerOptions returns the option set for container creation. The root
// filesystem is read-only with a writable tmpfs at /tmp; /workspace stays
// writable through its volume mount.
func (p *Profile) ContainerOptions(asRoot bool) runtime.SecurityOptions {
	user := SandboxUser
	if asRoot {
		user = RootUser
	}
	return runtime.SecurityOptions{
		User:           user,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges:true"},
		ReadonlyRootfs: true,
		NetworkMode:    p.networkMode,
		MemoryBytes:    memoryLimit,
		CPUQuota:       cpuQuota,
		CPUPeriod:      cpuPeriod,
		PidsLimit:      pidsLimit,
		Tmpfs:          map[string]string{"/tmp": "rw,size=64m"},
	}
}

// ExecUser returns the uid an exec runs as.
func (p *Profile) ExecUser(asRoot bool) string {
	if asRoot {
		return "0"
	}
	return "1000"
}
