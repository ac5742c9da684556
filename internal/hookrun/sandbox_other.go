//go:build !linux

package hookrun

import "os/exec"

// applySandbox is a no-op off Linux: the namespace primitives
// sandbox_linux.go relies on are Linux-specific, same as the teacher's own
// build sandbox.
func applySandbox(cmd *exec.Cmd, sandboxed bool) {}
