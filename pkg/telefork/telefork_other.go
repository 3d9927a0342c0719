//go:build !(linux && amd64)

package telefork

import (
	"fmt"
	"io"
	"runtime"
)

func unsupported() error {
	return fmt.Errorf("telefork: unsupported platform %s/%s", runtime.GOOS, runtime.GOARCH)
}

func Telefork(conn io.ReadWriter) (Location, error) { return Location{}, unsupported() }

func Telepad(conn io.ReadWriter, passToChild int32) (int, error) { return 0, unsupported() }
