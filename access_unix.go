//go:build unix

package memo

import (
	"os"

	"golang.org/x/sys/unix"
)

func dirWritable(dir string) bool {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return false
	}
	return unix.Access(dir, unix.W_OK|unix.X_OK) == nil
}

func fileReadable(path string) bool {
	return unix.Access(path, unix.R_OK) == nil
}
