//go:build !linux

package pagemanager

import "os"

func fdatasync(f *os.File) error {
	return f.Sync()
}
