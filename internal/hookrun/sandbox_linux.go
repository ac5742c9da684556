//go:build linux

package hookrun

import (
	"os/exec"
	"syscall"
)

// applySandbox puts the spawned interpreter into its own mount, user and
// network namespace, the same way the teacher's build sandbox isolates a
// package build (_examples/distr1-distri/internal/build/build.go): a fresh
// user namespace lets the process claim root inside its own mount
// namespace without any host privilege, and a fresh, un-configured network
// namespace has no interfaces besides loopback, so the child has no route
// to anything.
func applySandbox(cmd *exec.Cmd, sandboxed bool) {
	if !sandboxed {
		return
	}
	uid, gid := syscall.Getuid(), syscall.Getgid()
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWNS | syscall.CLONE_NEWUSER | syscall.CLONE_NEWNET,
		UidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: uid, Size: 1},
		},
		GidMappings: []syscall.SysProcIDMap{
			{ContainerID: 0, HostID: gid, Size: 1},
		},
	}
}
