package driver

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParsePortsLineStandardFormat(t *testing.T) {
	line := "0.0.0.0:32001->3000/tcp, 0.0.0.0:32002->4444/tcp, 0.0.0.0:32003->5900/tcp"
	got := ParsePortsLine(line)
	assert.Equal(t, 32001, got["app"])
	assert.Equal(t, 32002, got["debugger"])
	assert.Equal(t, 32003, got["vnc"])
}

func TestParsePortsLineIgnoresUnknownInternalPorts(t *testing.T) {
	line := "0.0.0.0:32001->9999/tcp"
	got := ParsePortsLine(line)
	assert.Empty(t, got)
}

func TestParsePortsLineToleratesMalformedEntries(t *testing.T) {
	line := "not-a-binding, 0.0.0.0:32001->3000/tcp, garbage->also-garbage"
	got := ParsePortsLine(line)
	assert.Equal(t, 32001, got["app"])
	assert.Len(t, got, 1)
}

func TestParsePortsLineEmpty(t *testing.T) {
	assert.Empty(t, ParsePortsLine(""))
}

func TestAssemblePathPrefixesOverride(t *testing.T) {
	path := assemblePath("/custom/docker/bin")
	assert.True(t, strings.HasPrefix(path, "/custom/docker/bin"))
}

func TestSetEnvReplacesExisting(t *testing.T) {
	env := []string{"PATH=/old", "FOO=bar"}
	env = setEnv(env, "PATH", "/new")
	assert.Contains(t, env, "PATH=/new")
	assert.NotContains(t, env, "PATH=/old")
	assert.Contains(t, env, "FOO=bar")
}

func TestSetEnvAppendsWhenMissing(t *testing.T) {
	env := []string{"FOO=bar"}
	env = setEnv(env, "DOCKER_HOST", "tcp://127.0.0.1:2375")
	assert.Contains(t, env, "DOCKER_HOST=tcp://127.0.0.1:2375")
}

func TestDefaultPortMap(t *testing.T) {
	got := DefaultPortMap(10222, 7070, 15900)
	assert.Equal(t, InternalAppPort, got[10222])
	assert.Equal(t, InternalDebuggerPort, got[7070])
	assert.Equal(t, InternalVNCPort, got[15900])
}

func TestIsNoSuchContainer(t *testing.T) {
	assert.True(t, isNoSuchContainer(assertErr("Error: No such container: bx-10222")))
	assert.False(t, isNoSuchContainer(assertErr("some other failure")))
	assert.False(t, isNoSuchContainer(nil))
}

type stringErr string

func (e stringErr) Error() string { return string(e) }

func assertErr(s string) error { return stringErr(s) }
