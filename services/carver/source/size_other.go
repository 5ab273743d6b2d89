//go:build !linux

package source

import (
	"errors"
	"os"
)

func deviceSize(*os.File) (int64, error) {
	return 0, errors.New("device size query not supported on this platform")
}
