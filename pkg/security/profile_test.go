package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainerOptionsSandbox(t *testing.T) {
	p := NewProfile("bridge")
	opts := p.ContainerOptions(false)

	assert.Equal(t, "1000:1000", opts.User)
	assert.Equal(t, []string{"ALL"}, opts.CapDrop)
	assert.Equal(t, []string{"no-new-privileges:true"}, opts.SecurityOpt)
	assert.True(t, opts.ReadonlyRootfs)
	assert.Equal(t, "bridge", opts.NetworkMode)
	assert.Equal(t, int64(512*1024*1024), opts.MemoryBytes)
	assert.Equal(t, int64(100000), opts.CPUQuota)
	assert.Equal(t, int64(100000), opts.CPUPeriod)
	assert.Equal(t, int64(256), opts.PidsLimit)
	assert.Contains(t, opts.Tmpfs, "/tmp")
}

func TestContainerOptionsRoot(t *testing.T) {
	p := NewProfile("bridge")
	opts := p.ContainerOptions(true)

	// Root changes only the user; the rest of the profile holds.
	assert.Equal(t, "0:0", opts.User)
	assert.Equal(t, []string{"ALL"}, opts.CapDrop)
	assert.True(t, opts.ReadonlyRootfs)
}

func TestNetworkModeNone(t *testing.T) {
	p := NewProfile("none")
	assert.Equal(t, "none", p.ContainerOptions(false).NetworkMode)
}

func TestNetworkModeDefault(t *testing.T) {
	p := NewProfile("")
	assert.Equal(t, "bridge", p.ContainerOptions(false).NetworkMode)
}

func TestExecUser(t *testing.T) {
	p := NewProfile("bridge")
	assert.Equal(t, "1000", p.ExecUser(false))
	assert.Equal(t, "0", p.ExecUser(true))
}
