//go:build !unix

package pagemanager

import "os"

// Advisory locking is only implemented on unix platforms.
func lockFile(f *os.File, exclusive bool) error { return nil }

func unlockFile(f *os.File) error { return nil }
