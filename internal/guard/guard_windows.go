//go:build windows

package guard

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

func checkPrivileges() error {
	var elevation windows.TOKEN_ELEVATION
	var size uint32
	err := windows.GetTokenInformation(
		windows.GetCurrentProcessToken(),
		windows.TokenElevation,
		(*byte)(unsafe.Pointer(&elevation)),
		uint32(unsafe.Sizeof(elevation)),
		&size,
	)
	if err != nil {
		return fmt.Errorf("privilege check: %w", err)
	}
	if elevation.TokenIsElevated != 0 {
		return errors.New("dsbackend must not run with elevated (Administrator) privileges")
	}
	return nil
}
