//go:build !(unix || linux || darwin || freebsd || openbsd || netbsd)

package lockfile

import "os"

// Advisory locking is not available; Acquire always succeeds.
func lock(*os.File) error { return nil }

func unlock(*os.File) error { return nil }
