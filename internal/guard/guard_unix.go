//go:build unix

package guard

import (
	"fmt"
	"os"
)

func checkPrivileges() error {
	if os.Getuid() == 0 {
		return fmt.Errorf("dsbackend must not run as root (uid=0); use a dedicated service account")
	}
	return nil
}
