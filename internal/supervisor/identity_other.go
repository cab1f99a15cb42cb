//go:build !linux && !darwin

package supervisor

import (
	"errors"
	"runtime"
)

var errIdentityUnsupported = errors.New("process identity is not supported on " + runtime.GOOS)

func processName(pid int) (string, error) { return "", errIdentityUnsupported }

func processStartTime(pid int) (int64, error) { return 0, errIdentityUnsupported }
