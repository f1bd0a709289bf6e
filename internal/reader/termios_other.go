//go:build !linux

package reader

import (
	"errors"
	"io"
)

func openSerial(string, int) (io.ReadCloser, error) {
	return nil, errors.New("serial readers are only supported on linux")
}
