//go:build !unix

package builtin

import "errors"

func accessRW(string) error {
	return errors.New("access checks not supported on this platform")
}
