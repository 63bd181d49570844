// Package files implements small file-system helpers shared by the other packages.
package files

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Exists returns whether the path exists. Errors other than "not exist" are treated as existing,
// so callers fail later with a more specific error.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !os.IsNotExist(err)
}

// IsDir returns whether path exists and is a directory.
func IsDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ReplaceTildeInDir replaces a leading "~" with the current user's home directory.
// Paths like "~user/..." are not supported and returned unchanged.
func ReplaceTildeInDir(dir string) string {
	if dir != "~" && !strings.HasPrefix(dir, "~/") {
		return dir
	}
	usr, err := user.Current()
	if err != nil {
		return dir
	}
	return filepath.Join(usr.HomeDir, strings.TrimPrefix(dir, "~"))
}
