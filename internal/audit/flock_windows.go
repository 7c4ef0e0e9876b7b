//go:build windows

package audit

import "os"

// Windows has no flock; the trail mutex serializes writers within the process.
func lockFile(_ *os.File) error   { return nil }
func unlockFile(_ *os.File) error { return nil }
