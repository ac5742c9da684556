package relay

import "fmt"

// The error kinds below are the ones spec.md §7 requires to propagate to the
// HTTP boundary as specific status codes. HTTP Surface type-switches on
// these (see internal/httpsurface) rather than string-matching messages.

// NoSuchRepoError means the requested repository is not known to this
// server.
type NoSuchRepoError struct{ Repo string }

func (e *NoSuchRepoError) Error() string { return fmt.Sprintf("no such repository: %q", e.Repo) }

// NoSuchRefError means the requested ref does not exist in the repository.
type NoSuchRefError struct{ Ref string }

func (e *NoSuchRefError) Error() string { return fmt.Sprintf("no such ref: %q", e.Ref) }

// NoSuchPathError means ref:path does not resolve to a blob.
type NoSuchPathError struct {
	Ref  string
	Path string
}

func (e *NoSuchPathError) Error() string {
	return fmt.Sprintf("no such path %q at ref %q", e.Path, e.Ref)
}

// ConflictError means the ref advanced since the caller's base was read.
type ConflictError struct {
	Ref      string
	Expected string
	Actual   string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on ref %q: expected base %s, current head is %s", e.Ref, e.Expected, e.Actual)
}

// CorruptError means the object database could not be read.
type CorruptError struct {
	Repo string
	Err  error
}

func (e *CorruptError) Error() string { return fmt.Sprintf("corrupt repository %q: %v", e.Repo, e.Err) }
func (e *CorruptError) Unwrap() error { return e.Err }

// PolicyRejectedError means the Policy Engine refused the write natively,
// before any hook script ran.
type PolicyRejectedError struct{ Reason string }

func (e *PolicyRejectedError) Error() string { return e.Reason }

// HookRejectedError means a hook script exited non-zero.
type HookRejectedError struct {
	Script string
	Stderr string
}

func (e *HookRejectedError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("hook %s rejected the write", e.Script)
	}
	return e.Stderr
}

// HookTimeoutError means a hook script did not exit within its deadline.
type HookTimeoutError struct {
	Script   string
	Deadline string
}

func (e *HookTimeoutError) Error() string {
	return fmt.Sprintf("hook %s timed out after %s", e.Script, e.Deadline)
}

// IndexStaleError means JIT reconciliation failed partway through; the
// branch index still reflects the last successfully indexed commit.
type IndexStaleError struct {
	LastIndexedHead string
	Err             error
}

func (e *IndexStaleError) Error() string {
	return fmt.Sprintf("index reconciliation failed, last known indexed_head=%s: %v", e.LastIndexedHead, e.Err)
}
func (e *IndexStaleError) Unwrap() error { return e.Err }

// QuotaExceededError means a sandbox fs.global.put call would exceed the
// repository's configured byte budget.
type QuotaExceededError struct {
	Repo    string
	Quota   int64
	Current int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for repository %q: %d/%d bytes", e.Repo, e.Current, e.Quota)
}
