//go:build !linux

package rtp

import (
	"fmt"
)

func setSockOptReusePort(fd int) error {
	return fmt.Errorf("SO_REUSEPORT не поддерживается на этой платформе")
}

func setSockOptBindToDevice(fd int, device string) error {
	return fmt.Errorf("привязка к интерфейсу поддерживается только на Linux")
}

func setSockOptPriority(fd int) {}

func setSockOptDSCP(fd, dscp int) error {
	return nil
}
