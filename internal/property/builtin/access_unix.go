//go:build unix

package builtin

import "golang.org/x/sys/unix"

func accessRW(path string) error {
	return unix.Access(path, unix.R_OK|unix.W_OK)
}
