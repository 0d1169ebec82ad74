//go:build windows

package transport

import "github.com/go-pkgz/lgr"

// sanitizeInheritedFDs is a no-op on Windows: os/exec never inherits
// arbitrary handles into a child process there, so there is nothing to mark
// close-on-exec.
func sanitizeInheritedFDs(log lgr.L) {}
