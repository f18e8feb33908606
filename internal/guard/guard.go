// Package guard refuses to start the data-source service with elevated
// privileges: the process holds the key that decrypts every stored database
// password.
package guard

// Check returns a non-nil error if the current process runs as root or as an
// elevated Windows administrator.
func Check() error {
	return checkPrivileges()
}
