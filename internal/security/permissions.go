// internal/security/permissions.go
package security

import (
	"fmt"
	"os"
)

// ValidateDirectoryPermissions checks that the state directory is not
// world-writable and grants the group at most read and execute.
func ValidateDirectoryPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking directory permissions: %w", err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	mode := info.Mode().Perm()
	if mode&0002 != 0 {
		return fmt.Errorf("directory %s is world-writable (mode %04o), expected 0700 or 0750", path, mode)
	}
	if mode&0020 != 0 {
		return fmt.Errorf("directory %s is group-writable (mode %04o), expected 0700 or 0750", path, mode)
	}

	return nil
}

// ValidateFilePermissions checks that a config file cannot be rewritten by
// other users.
func ValidateFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("checking file permissions: %w", err)
	}

	if info.IsDir() {
		return fmt.Errorf("%s is a directory, expected a file", path)
	}

	mode := info.Mode().Perm()
	if mode&0022 != 0 {
		return fmt.Errorf("file %s is writable by group or others (mode %04o)", path, mode)
	}

	return nil
}
