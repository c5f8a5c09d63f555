// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

import (
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// FileExists reports whether the named file or directory exists.
func FileExists(filePath string) (bool, error) {
	_, err := os.Stat(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CleanAndExpandPath expands environment variables and a leading ~ in the
// path, then cleans the result.  A bare ~user is expanded to that user's
// home directory.
func CleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		var homeDir string
		u := path[1:]
		name := u
		if i := strings.IndexAny(u, `/\`); i >= 0 {
			name = u[:i]
			u = u[i:]
		} else {
			u = ""
		}

		if name == "" {
			homeDir, _ = os.UserHomeDir()
		} else if other, err := user.Lookup(name); err == nil {
			homeDir = other.HomeDir
		} else {
			// Leave an unknown user untouched.
			return filepath.Clean(os.ExpandEnv(path))
		}

		path = homeDir + u
	}

	return filepath.Clean(os.ExpandEnv(path))
}
